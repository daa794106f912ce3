package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/pkg/models"
)

// LocalFileArchiver writes expired rows as JSONL files to a local
// directory. This is the default archive driver for self-hosted
// deployments without an object store configured.
//
// Directory structure:
//
//	{basePath}/action_records/2026-02-20T15-04-05Z.jsonl[.gz]
//	{basePath}/conversation_summaries/2026-02-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.brewline/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/brewline/archive"
		} else {
			basePath = filepath.Join(home, ".brewline", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) writeBatch(subdir string, count int, encode func(*json.Encoder) error) (string, error) {
	dir := filepath.Join(a.basePath, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	if err := encode(enc); err != nil {
		return "", err
	}

	log.Debug().Str("path", fpath).Int("count", count).Msg("archived rows to local file")
	return fpath, nil
}

func (a *LocalFileArchiver) ArchiveActionRecords(_ context.Context, records []models.ActionRecord) (string, error) {
	return a.writeBatch("action_records", len(records), func(enc *json.Encoder) error {
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("encode action record %s: %w", rec.ActionID, err)
			}
		}
		return nil
	})
}

func (a *LocalFileArchiver) ArchiveConversationSummaries(_ context.Context, summaries []models.ConversationSummary) (string, error) {
	return a.writeBatch("conversation_summaries", len(summaries), func(enc *json.Encoder) error {
		for _, sm := range summaries {
			if err := enc.Encode(sm); err != nil {
				return fmt.Errorf("encode conversation summary %s: %w", sm.ID, err)
			}
		}
		return nil
	})
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
