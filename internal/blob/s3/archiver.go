package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
)

// archiveBatchSize caps how many experiments a single archival run exports.
// Anything left over is picked up by the next run.
const archiveBatchSize = 500

// archiveRecord is one JSONL line: a terminal experiment together with every
// evaluation window persisted for it.
type archiveRecord struct {
	Experiment domain.Experiment `json:"experiment"`
	Results    []domain.Result   `json:"results"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// Archiver implements domain.Archiver by exporting terminal experiments and
// their results to cold storage as JSONL.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type Archiver struct {
	writer      domain.BlobWriter
	experiments domain.ExperimentStore
	results     domain.ResultStore
	audit       domain.AuditStore
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver over the given stores and blob writer.
func NewArchiver(
	writer domain.BlobWriter,
	experiments domain.ExperimentStore,
	results domain.ResultStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{
		writer:      writer,
		experiments: experiments,
		results:     results,
		audit:       audit,
	}
}

// ArchiveTerminal exports complete and aborted experiments created more than
// retentionDays ago, one JSONL line per experiment with its results inlined,
// and records the export in the audit log. Returns the number of experiments
// archived.
func (a *Archiver) ArchiveTerminal(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	exps, err := a.experiments.ListTerminalBefore(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(exps) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for _, exp := range exps {
		results, err := a.results.ListByExperiment(ctx, exp.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive results for %s: %w", exp.ID, err)
		}
		rec := archiveRecord{
			Experiment: exp,
			Results:    results,
			ArchivedAt: time.Now().UTC(),
		}
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("s3blob: archive encode %s: %w", exp.ID, err)
		}
	}

	key := archiveKey(time.Now().UTC())
	if err := a.writer.Write(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	count := len(exps)

	if err := a.audit.Log(ctx, "archive.experiments", map[string]any{
		"key":    key,
		"count":  count,
		"cutoff": cutoff.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// archiveKey builds the object key for an archival run, partitioned by run
// date so successive runs never clobber each other within a month:
//
//	archive/experiments/2026-08-31T06-30-00Z.jsonl
func archiveKey(now time.Time) string {
	return fmt.Sprintf("archive/experiments/%s.jsonl", now.Format("2006-01-02T15-04-05Z"))
}
