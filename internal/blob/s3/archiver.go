package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shuxto/eutrading/internal/domain"
)

// LedgerStore is the narrow slice of the position store the archiver needs.
type LedgerStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver periodically exports closed positions older than the retention
// window to object storage as JSONL and purges them from hot storage. The
// purge only runs after a successful upload.
type Archiver struct {
	client    *Client
	store     LedgerStore
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(client *Client, store LedgerStore, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Archiver{
		client:    client,
		store:     store,
		retention: retention,
		interval:  interval,
		log:       logger.With(slog.String("component", "ledger_archiver")),
	}
}

// Run archives on a fixed interval until the context is cancelled. Failures
// are logged and retried on the next interval.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-a.retention)
			count, err := a.ArchiveClosed(ctx, cutoff)
			if err != nil {
				a.log.ErrorContext(ctx, "ledger archive failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if count > 0 {
				a.log.InfoContext(ctx, "ledger archived",
					slog.Int64("positions", count),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}

// ArchiveClosed uploads every position closed before the cutoff and deletes
// the uploaded rows. Returns the number of archived positions.
func (a *Archiver) ArchiveClosed(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.store.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range positions {
		if err := enc.Encode(p); err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
		}
	}

	key := fmt.Sprintf("ledger/positions/%s/%d.jsonl",
		before.Format("2006-01"), time.Now().UTC().UnixNano())
	_, err = a.client.S3().PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.Bucket()),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload %s: %w", key, err)
	}

	deleted, err := a.store.DeleteClosedBefore(ctx, before)
	if err != nil {
		// The archive exists; the purge will be retried next interval.
		return int64(len(positions)), fmt.Errorf("s3blob: archive purge: %w", err)
	}
	if deleted != int64(len(positions)) {
		a.log.Warn("archive purge count mismatch",
			slog.Int("uploaded", len(positions)),
			slog.Int64("deleted", deleted),
		)
	}
	return int64(len(positions)), nil
}
