// Package server wires every component into a runnable control plane:
// the inbound webhook HTTP surface, the work-queue consumer, the
// knowledge registry's refresh loop, the summarizer scheduler, and the
// retention janitor, gated by RunMode so a deployment can split web and
// worker processes.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Run(ctx)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/actionbus"
	"github.com/brewline/control-plane/internal/actionexec"
	"github.com/brewline/control-plane/internal/api"
	"github.com/brewline/control-plane/internal/api/handlers"
	"github.com/brewline/control-plane/internal/chatprovider"
	"github.com/brewline/control-plane/internal/config"
	"github.com/brewline/control-plane/internal/embeddings"
	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/internal/queue"
	"github.com/brewline/control-plane/internal/registry"
	"github.com/brewline/control-plane/internal/replypipeline"
	"github.com/brewline/control-plane/internal/resilience"
	"github.com/brewline/control-plane/internal/retention"
	modelrouter "github.com/brewline/control-plane/internal/router"
	"github.com/brewline/control-plane/internal/summarizer"
	"github.com/brewline/control-plane/internal/telemetry"
	"github.com/brewline/control-plane/internal/vectorstore"
	"github.com/brewline/control-plane/internal/webhook"
	"github.com/brewline/control-plane/pkg/contracts"
	"github.com/brewline/control-plane/pkg/models"
)

// Server holds every initialized component. Fields are exported so a
// deployment-specific main can reach in and register additional action
// handlers or model drivers before calling Run.
type Server struct {
	Config *config.Config

	httpServer *http.Server

	Queue          queue.Queue
	Gate           *webhook.Gate
	Embeddings     *embeddings.Service
	Vectors        vectorstore.Driver
	Memory         *memory.Service
	ModelRouter    *modelrouter.Service
	ModelDrivers   *modelrouter.Registry
	Registry       *registry.Registry
	Pipeline       *replypipeline.Selector
	ActionBus      *actionbus.Bus
	ActionExecutor *actionexec.Executor
	Summarizer     *summarizer.Scheduler
	Retention      *retention.Janitor
	Shutdown       *resilience.ShutdownRegistry
	outboundLimit  *resilience.LocalQueue
	sheets         *registry.GoogleSheetsFetcher
	actionStore    actionbus.Store
	memoryStore    memory.Store

	workerCtx    context.Context
	workerCancel context.CancelFunc
}

// New loads configuration from the environment and builds every
// component. The returned Server has not started any goroutines yet —
// call Run to do that.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	shutdown := resilience.NewShutdownRegistry()
	shutdown.Register(resilience.ShutdownHandler{
		Name: "telemetry", Priority: 1, Deadline: 5 * time.Second,
		Fn: shutdownTelemetry,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())

	srv := &Server{
		Config:        cfg,
		Shutdown:      shutdown,
		outboundLimit: resilience.NewLocalQueue(cfg.Resilience.LocalQueueConcurrency),
		workerCtx:     workerCtx,
		workerCancel:  workerCancel,
	}

	if err := srv.buildEmbeddings(ctx); err != nil {
		return nil, err
	}
	if err := srv.buildVectorStore(ctx); err != nil {
		return nil, err
	}
	if err := srv.buildMemory(ctx); err != nil {
		return nil, err
	}
	if err := srv.buildModelRouter(ctx); err != nil {
		return nil, err
	}
	srv.buildRegistry(ctx)
	srv.buildPipeline()
	if err := srv.buildActionBus(ctx); err != nil {
		return nil, err
	}
	srv.buildSummarizer()
	srv.buildRetention()
	if err := srv.buildQueue(ctx); err != nil {
		return nil, err
	}
	srv.buildHTTP()

	return srv, nil
}

func (s *Server) buildEmbeddings(ctx context.Context) error {
	var driver contracts.EmbeddingDriver

	switch {
	case s.Config.LLM.EmbeddingKey != "" || s.Config.LLM.APIKey != "":
		key := s.Config.LLM.EmbeddingKey
		if key == "" {
			key = s.Config.LLM.APIKey
		}
		driver = embeddings.NewOpenAIDriver(key, s.Config.Embedding.Model)
		log.Info().Str("model", s.Config.Embedding.Model).Msg("embeddings: using OpenAI driver")
	case s.Config.LLM.OllamaURL != "":
		driver = embeddings.NewOllamaDriver(s.Config.LLM.OllamaURL, s.Config.Embedding.Model)
		log.Info().Str("endpoint", s.Config.LLM.OllamaURL).Msg("embeddings: using Ollama driver")
	default:
		driver = embeddings.NewOllamaDriver("http://localhost:11434", s.Config.Embedding.Model)
		log.Warn().Msg("embeddings: no LLM_API_KEY or OLLAMA_URL set, defaulting to local Ollama (will fail soft if unreachable)")
	}

	svc := embeddings.NewService(driver, s.Config.Embedding.CacheSize, s.Config.Embedding.CacheTTL)

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		svc = svc.WithSharedCache(embeddings.NewRedisCache(redisAddr))
		log.Info().Str("addr", redisAddr).Msg("embeddings: shared Redis cache attached")
	}

	s.Embeddings = svc
	return nil
}

func (s *Server) buildVectorStore(ctx context.Context) error {
	if s.Config.Database.URL != "" {
		store, err := vectorstore.NewPgvectorStore(ctx, s.Config.Database.URL, s.Config.Embedding.Dimensions,
			vectorstore.WithHNSWParams(s.Config.Vector.HNSWM, s.Config.Vector.HNSWEfConstruction))
		if err != nil {
			log.Warn().Err(err).Msg("vectorstore: pgvector unavailable, falling back to embedded store")
		} else {
			s.Vectors = store
			log.Info().Msg("vectorstore: using pgvector")
			return nil
		}
	}
	s.Vectors = vectorstore.NewEmbeddedStore()
	log.Info().Msg("vectorstore: using embedded in-memory store")
	return nil
}

func (s *Server) buildMemory(ctx context.Context) error {
	var primary memory.Store
	if s.Config.Database.URL != "" {
		pg, err := memory.NewPostgresStore(ctx, s.Config.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("memory: postgres unavailable at startup, degrading to in-process fallback")
		} else {
			primary = pg
		}
	}
	fallback := memory.NewInMemoryStore(s.Config.Memory.MaxRecentMessages)

	s.Memory = memory.NewService(primary, fallback, s.Embeddings,
		s.Config.Memory.MaxRecentMessages, 3, 10, s.Config.Vector.SimilarityThreshold)
	if primary != nil {
		s.memoryStore = primary
	} else {
		s.memoryStore = fallback
	}
	return nil
}

func (s *Server) buildModelRouter(ctx context.Context) error {
	var knowledge modelrouter.KnowledgeStore
	if s.Config.Database.URL != "" {
		pg, err := modelrouter.NewPostgresKnowledgeStore(ctx, s.Config.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("router: postgres knowledge store unavailable, using in-memory")
			knowledge = modelrouter.NewInMemoryKnowledgeStore()
		} else {
			knowledge = pg
		}
	} else {
		knowledge = modelrouter.NewInMemoryKnowledgeStore()
	}

	drivers := modelrouter.NewRegistry()
	if s.Config.LLM.APIKey != "" {
		drivers.Register(modelrouter.NewOpenAIDriver(s.Config.LLM.APIKey))
	}

	svc := modelrouter.NewService(drivers, knowledge, 3, "openai")
	if err := svc.LoadKnowledge(ctx); err != nil {
		log.Warn().Err(err).Msg("router: failed to hydrate learned model capabilities at startup")
	}

	s.ModelRouter = svc
	s.ModelDrivers = drivers
	return nil
}

func (s *Server) buildRegistry(ctx context.Context) {
	projector := registry.NewVectorProjector(s.Vectors, s.Embeddings)

	var sheets registry.SheetFetcher
	if s.Config.Registry.SheetID != "" {
		fetcher, err := registry.NewGoogleSheetsFetcher(ctx, s.Config.Registry.SheetID, s.Config.Registry.CredentialsPath)
		if err != nil {
			log.Warn().Err(err).Msg("knowledge registry: sheets unavailable, serving built-in fallback snapshot only")
		} else {
			sheets = fetcher
			s.sheets = fetcher
		}
	}

	s.Registry = registry.New(sheets, projector, s.Config.Registry.SyncInterval)
	s.ModelRouter.SetRoutingRules(s.Registry.Current().ModelRouting)
}

func (s *Server) buildPipeline() {
	sender := chatprovider.New(s.Config.Webhook.ReplyURL)
	send := func(ctx context.Context, accountID, conversationID, text string) error {
		return s.outboundLimit.Run(ctx, func(ctx context.Context) error {
			return sender.Send(ctx, accountID, conversationID, text)
		})
	}

	optimized := replypipeline.NewOptimized(s.Memory, s.Registry, s.Vectors, s.Embeddings, s.ModelRouter, send,
		s.Config.Vector.CacheSimThreshold, s.Config.Vector.CannedSimThreshold, s.Config.Pipeline.MaxConversationHistory)
	legacy := replypipeline.NewLegacy(s.Memory, s.Registry, s.Vectors, s.Embeddings, s.ModelRouter, send,
		s.Config.Pipeline.MaxConversationHistory, s.Config.Pipeline.MaxResponseRevisions, s.Config.Pipeline.SkipResponseValidator)

	mode := replypipeline.ModeLegacy
	if s.Config.Pipeline.OptimizedAgenticFlow {
		mode = replypipeline.ModeOptimized
	}
	s.Pipeline = replypipeline.NewSelector(optimized, legacy, mode, s.Config.Pipeline.ABOptimizedRatio)
}

func (s *Server) buildActionBus(ctx context.Context) error {
	var actionStore actionbus.Store
	if s.Config.Database.URL != "" {
		pg, err := actionbus.NewPostgresStore(ctx, s.Config.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("actionbus: postgres unavailable, using in-memory store")
			actionStore = actionbus.NewInMemoryStore()
		} else {
			actionStore = pg
		}
	} else {
		actionStore = actionbus.NewInMemoryStore()
	}
	s.actionStore = actionStore

	exec := actionexec.New()

	if s.sheets != nil {
		exec.Register(actionexec.NewSheetsHandler(s.sheets))
	}

	internal := actionexec.NewInternalHandler()
	internal.RegisterFunc("SUSPEND_EMPLOYEE_ACCESS", suspendEmployeeAccess)
	exec.Register(internal)

	if endpoint := os.Getenv("CHATWOOT_API_URL"); endpoint != "" {
		exec.Register(actionexec.NewHTTPHandler("chatwoot", endpoint, "api_access_token", os.Getenv("CHATWOOT_API_TOKEN")))
	}
	if endpoint := os.Getenv("WHATSAPP_API_URL"); endpoint != "" {
		exec.Register(actionexec.NewHTTPHandler("whatsapp", endpoint, "Authorization", "Bearer "+os.Getenv("WHATSAPP_API_TOKEN")))
	}
	exec.Register(actionexec.NewHTTPHandler("webhook", s.Config.Webhook.ReplyURL, "", ""))

	types := map[string]actionbus.TypeSpec{
		"SUSPEND_EMPLOYEE_ACCESS": {AutonomyLevel: models.AutonomyCritical, Handler: "internal"},
		"FREE_ITEM": {
			AutonomyLevel: models.AutonomyApproval, Handler: "sheets",
			DailyLimit: 5, LimitScopeKey: "branch_id",
		},
		"UPDATE_SEASON_RULE": {AutonomyLevel: models.AutonomyDraft, Handler: "sheets"},
	}

	s.ActionExecutor = exec
	s.ActionBus = actionbus.New(actionStore, exec, types)
	return nil
}

// suspendEmployeeAccess is the one internal-handler action this
// control plane ships: the companion HR/roster system this toggles is
// out of scope, so it only records intent via the returned result.
func suspendEmployeeAccess(ctx context.Context, payload, actionCtx map[string]interface{}) (map[string]interface{}, error) {
	employeeID, _ := payload["employee_id"].(string)
	if employeeID == "" {
		return nil, fmt.Errorf("invalid payload: employee_id required")
	}
	log.Info().Str("employee_id", employeeID).Msg("actionexec: employee access suspended")
	return map[string]interface{}{"employee_id": employeeID, "suspended": true}, nil
}

func (s *Server) buildSummarizer() {
	s.Summarizer = summarizer.New(s.Memory, s.Embeddings, s.ModelRouter, summarizer.Config{
		Interval:               s.Config.Memory.CycleInterval,
		SummarizeAfter:         s.Config.Memory.SummarizeAfter,
		MinMessagesForSummary:  s.Config.Memory.MinMessagesForSummary,
		MaxConversationsPerRun: s.Config.Memory.MaxConversationsPerCycle,
		MaxMessagesPerSummary:  s.Config.Memory.MaxMessagesPerSummary,
		ExtractFacts:           true,
	})
}

// buildRetention wires the retention janitor against the same action and
// memory stores the rest of the process uses, per SPEC_FULL.md's archival
// supplement. The local-file archiver is always registered when enabled
// so purges are never silently lossy by default; a deployment pointed at
// an object store can register an additional driver and call
// s.Retention.RegisterArchiver before Run.
func (s *Server) buildRetention() {
	j := retention.NewJanitor(s.actionStore, s.memoryStore, s.Config.Retention.Interval)
	if s.Config.Retention.ArchiveEnabled {
		j.RegisterArchiver(retention.NewLocalFileArchiver(s.Config.Retention.ArchivePath, s.Config.Retention.ArchiveCompress))
	}
	s.Retention = j
}

func (s *Server) buildQueue(ctx context.Context) error {
	var q queue.Queue
	if s.Config.Queue.BrokerURL != "" {
		kq, err := queue.NewKafkaQueue(ctx, s.Config.Queue.BrokerURL, s.Config.Queue.Topic, s.Config.Queue.ConsumerGroup, s.Config.Queue.MaxRetries)
		if err != nil {
			log.Warn().Err(err).Msg("queue: kafka broker unreachable at startup, falling back to local queue")
			q = queue.NewLocalQueue(s.Config.Queue.LocalQueueCapacity, s.Config.Queue.LocalWorkerCount, s.Config.Queue.MaxRetries)
		} else {
			q = kq
		}
	} else {
		q = queue.NewLocalQueue(s.Config.Queue.LocalQueueCapacity, s.Config.Queue.LocalWorkerCount, s.Config.Queue.MaxRetries)
	}

	s.Queue = q
	s.Gate = webhook.New(s.Config.Webhook.SharedSecret, s.Config.Webhook.MaxClockSkew, q)
	return nil
}

func (s *Server) buildHTTP() {
	h := handlers.New(s.Memory, s.Vectors, s.ModelRouter, s.Registry, s.Config.Version)
	mux := api.NewRouter(s.Config, s.Gate, h, s.Config.Auth.AdminToken)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Config.Port),
		Handler: mux,
	}
}

// jobHandler dequeues a job and runs it through the reply pipeline.
func (s *Server) jobHandler(ctx context.Context, job queue.Job) error {
	req := replypipeline.Request{
		ConversationID: job.ConversationID,
		AccountID:      job.AccountID,
		ContactID:      job.ContactID,
		BranchID:       job.InboxTag,
		MessageText:    job.RawMessage,
	}
	_, err := s.Pipeline.Run(ctx, req)
	return err
}

// Run starts every component appropriate to Config.RunMode and blocks
// until ctx is cancelled. web starts only the HTTP listener; worker
// starts only the queue consumer, registry refresh, summarizer, and
// retention janitor; both starts all of it.
func (s *Server) Run(ctx context.Context) error {
	runWeb := s.Config.RunMode == "web" || s.Config.RunMode == "both"
	runWorker := s.Config.RunMode == "worker" || s.Config.RunMode == "both"

	errCh := make(chan error, 1)

	if runWeb {
		s.Shutdown.Register(resilience.ShutdownHandler{
			Name: "http-server", Priority: 4, Deadline: s.Config.Resilience.ShutdownGraceDeadline,
			Fn: s.httpServer.Shutdown,
		})
		go func() {
			log.Info().Int("port", s.Config.Port).Msg("control plane: HTTP server starting")
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if runWorker {
		s.Shutdown.Register(resilience.ShutdownHandler{
			Name: "queue-consumer", Priority: 3, Deadline: s.Config.Resilience.ShutdownGraceDeadline,
			Fn: func(context.Context) error { return s.Queue.Close() },
		})
		s.Shutdown.Register(resilience.ShutdownHandler{
			Name: "registry-refresh", Priority: 2, Deadline: 5 * time.Second,
			Fn: func(context.Context) error { s.workerCancel(); return nil },
		})

		go func() {
			if err := s.Queue.Run(s.workerCtx, s.jobHandler); err != nil && s.workerCtx.Err() == nil {
				errCh <- fmt.Errorf("queue consumer: %w", err)
			}
		}()
		go s.Registry.Start(s.workerCtx)
		go s.Summarizer.Start(s.workerCtx)
		go s.Retention.Start(s.workerCtx)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Close runs every registered shutdown handler in priority order.
func (s *Server) Close(ctx context.Context) {
	s.Shutdown.Shutdown(ctx)
}
