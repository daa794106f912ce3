// Package retention implements SPEC_FULL.md's archival/purge supplement:
// a background janitor that periodically finds expired ActionRecord and
// ConversationSummary rows and, if an archive driver is registered, writes
// them to durable storage before deleting them from the hot store.
//
// Archive is fail-safe: a row is purged only after its batch archives
// successfully. With no archive driver registered, the janitor purges
// directly — expiry is still enforced, just without a durable copy.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/actionbus"
	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/pkg/contracts"
)

// DefaultBatchSize is the max rows archived per backend write.
const DefaultBatchSize = 1000

// DefaultScanLimit bounds how many expired rows a single cycle considers
// per kind, so one slow cycle can't block the next tick indefinitely.
const DefaultScanLimit = 10000

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	ActionsArchived   int
	ActionsPurged     int
	SummariesArchived int
	SummariesPurged   int
	Errors            []error
}

// Janitor periodically archives and purges expired action records and
// conversation summaries.
type Janitor struct {
	actions   actionbus.Store
	summaries memory.Store
	interval  time.Duration

	driverMu       sync.RWMutex
	archiveDrivers map[string]contracts.ArchiveDriver
	defaultBackend string
}

// NewJanitor creates a retention janitor that runs on the given interval.
// An interval shorter than one minute is replaced by one hour.
func NewJanitor(actions actionbus.Store, summaries memory.Store, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		actions:        actions,
		summaries:      summaries,
		interval:       interval,
		archiveDrivers: make(map[string]contracts.ArchiveDriver),
	}
}

// RegisterArchiver adds an archive driver. The first registered driver
// becomes the default backend.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	kind := driver.Kind()
	if len(j.archiveDrivers) == 0 {
		j.defaultBackend = kind
	}
	j.archiveDrivers[kind] = driver
	log.Info().Str("kind", kind).Msg("archive driver registered")
}

func (j *Janitor) archiver() (contracts.ArchiveDriver, bool) {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	d, ok := j.archiveDrivers[j.defaultBackend]
	return d, ok
}

// Start runs the janitor in the calling goroutine until ctx is canceled.
// Callers that want it backgrounded should `go janitor.Start(ctx)`.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single archive/purge sweep. Start calls this on its
// own ticker; exposed directly so a deployment (or a test) can trigger an
// out-of-band sweep without waiting for the interval.
func (j *Janitor) RunOnce(ctx context.Context) {
	start := time.Now()
	stats := CycleStats{}

	cutoff := time.Now()
	j.processActionRecords(ctx, cutoff, &stats)
	j.processSummaries(ctx, cutoff, &stats)

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("retention cycle error")
	}

	if stats.ActionsPurged > 0 || stats.SummariesPurged > 0 {
		log.Info().
			Int("actions_archived", stats.ActionsArchived).
			Int("actions_purged", stats.ActionsPurged).
			Int("summaries_archived", stats.SummariesArchived).
			Int("summaries_purged", stats.SummariesPurged).
			Dur("elapsed", time.Since(start)).
			Msg("retention cycle complete")
	}
}

func (j *Janitor) processActionRecords(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	expired, err := j.actions.ListExpired(ctx, cutoff, DefaultScanLimit)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	if len(expired) == 0 {
		return
	}

	driver, ok := j.archiver()
	for i := 0; i < len(expired); i += DefaultBatchSize {
		end := i + DefaultBatchSize
		if end > len(expired) {
			end = len(expired)
		}
		batch := expired[i:end]

		if ok {
			if _, err := driver.ArchiveActionRecords(ctx, batch); err != nil {
				stats.Errors = append(stats.Errors, err)
				log.Warn().Err(err).Int("batch_size", len(batch)).Msg("failed to archive action records — skipping purge (fail-safe)")
				continue
			}
			stats.ActionsArchived += len(batch)
		}

		for _, rec := range batch {
			if err := j.actions.Delete(ctx, rec.ActionID); err != nil {
				stats.Errors = append(stats.Errors, err)
				continue
			}
			stats.ActionsPurged++
		}
	}
}

func (j *Janitor) processSummaries(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	expired, err := j.summaries.ExpiredSummaries(ctx, cutoff, DefaultScanLimit)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	if len(expired) == 0 {
		return
	}

	driver, ok := j.archiver()
	for i := 0; i < len(expired); i += DefaultBatchSize {
		end := i + DefaultBatchSize
		if end > len(expired) {
			end = len(expired)
		}
		batch := expired[i:end]

		if ok {
			if _, err := driver.ArchiveConversationSummaries(ctx, batch); err != nil {
				stats.Errors = append(stats.Errors, err)
				log.Warn().Err(err).Int("batch_size", len(batch)).Msg("failed to archive conversation summaries — skipping purge (fail-safe)")
				continue
			}
			stats.SummariesArchived += len(batch)
		}

		for _, sm := range batch {
			if err := j.summaries.DeleteSummary(ctx, sm.ID); err != nil {
				stats.Errors = append(stats.Errors, err)
				continue
			}
			stats.SummariesPurged++
		}
	}
}
