// Control plane entry point: builds the Server and runs it until a
// termination signal arrives, then drains every registered shutdown
// handler in priority order.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brewline/control-plane/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize control plane")
	}

	log.Info().Str("run_mode", srv.Config.RunMode).Int("port", srv.Config.Port).Msg("control plane starting")

	runErr := srv.Run(ctx)

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.Config.Resilience.ShutdownGraceDeadline)
	defer cancel()
	srv.Close(shutdownCtx)

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("control plane exited with error")
	}
}
