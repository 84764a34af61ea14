// Command ledger-export dumps the append-only sync and webhook ledgers to
// gzipped JSONL files for offline audit.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/feastly/possync/internal/storage/postgres"
)

const (
	exportSyncAttemptsSQL = `SELECT order_id, attempt, idempotency_key, response_status,
		external_ref, outcome, error_class, error_detail, created_at
		FROM sync_attempts WHERE created_at >= $1 ORDER BY created_at`

	exportWebhookEventsSQL = `SELECT external_event_id, provider, family,
		signature_verified, outcome, received_at
		FROM webhook_events WHERE received_at >= $1 ORDER BY received_at`
)

type syncAttemptRow struct {
	OrderID        string    `json:"order_id"`
	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotency_key"`
	ResponseStatus int       `json:"response_status"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	Outcome        string    `json:"outcome"`
	ErrorClass     string    `json:"error_class,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type webhookEventRow struct {
	ExternalEventID   string    `json:"external_event_id"`
	Provider          string    `json:"provider"`
	Family            string    `json:"family"`
	SignatureVerified bool      `json:"signature_verified"`
	Outcome           string    `json:"outcome"`
	ReceivedAt        time.Time `json:"received_at"`
}

func main() {
	var (
		outDir      string
		databaseURL string
		sinceStr    string
	)

	flag.StringVar(&outDir, "out-dir", ".", "directory for the exported files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&sinceStr, "since", "", "export rows at or after this RFC3339 timestamp (default: everything)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	var since time.Time
	if sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			slog.Error("invalid --since timestamp", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, outDir, databaseURL, since); err != nil {
		slog.Error("ledger export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("ledger export completed successfully")
}

func run(ctx context.Context, outDir, databaseURL string, since time.Time) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := export(ctx, pool, exportSyncAttemptsSQL, since,
			filepath.Join(outDir, "sync_attempts.jsonl.gz"), scanSyncAttemptRow)
		if err != nil {
			return errors.Wrap(err, "export sync attempts")
		}
		slog.Info("exported sync attempts", slog.Int("rows", n))
		return nil
	})
	g.Go(func() error {
		n, err := export(ctx, pool, exportWebhookEventsSQL, since,
			filepath.Join(outDir, "webhook_events.jsonl.gz"), scanWebhookEventRow)
		if err != nil {
			return errors.Wrap(err, "export webhook events")
		}
		slog.Info("exported webhook events", slog.Int("rows", n))
		return nil
	})
	return g.Wait()
}

// export streams query rows into a gzipped JSONL file, one object per line.
func export[T any](ctx context.Context, pool *pgxpool.Pool, sql string, since time.Time, path string, scan func(pgx.Rows) (T, error)) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", path)
	}
	defer f.Close() //nolint:errcheck

	gz := pgzip.NewWriter(f)
	bw := bufio.NewWriter(gz)
	enc := json.NewEncoder(bw)

	rows, err := pool.Query(ctx, sql, since)
	if err != nil {
		return 0, errors.Wrap(err, "query")
	}
	defer rows.Close()

	var n int
	for rows.Next() {
		row, err := scan(rows)
		if err != nil {
			return n, errors.Wrap(err, "scan row")
		}
		if err := enc.Encode(row); err != nil {
			return n, errors.Wrap(err, "encode row")
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, errors.Wrap(err, "iterate rows")
	}

	if err := bw.Flush(); err != nil {
		return n, errors.Wrap(err, "flush")
	}
	if err := gz.Close(); err != nil {
		return n, errors.Wrap(err, "close gzip stream")
	}
	return n, f.Close()
}

func scanSyncAttemptRow(rows pgx.Rows) (syncAttemptRow, error) {
	var r syncAttemptRow
	err := rows.Scan(
		&r.OrderID, &r.Attempt, &r.IdempotencyKey, &r.ResponseStatus,
		&r.ExternalRef, &r.Outcome, &r.ErrorClass, &r.ErrorDetail, &r.CreatedAt,
	)
	return r, err
}

func scanWebhookEventRow(rows pgx.Rows) (webhookEventRow, error) {
	var r webhookEventRow
	err := rows.Scan(
		&r.ExternalEventID, &r.Provider, &r.Family,
		&r.SignatureVerified, &r.Outcome, &r.ReceivedAt,
	)
	return r, err
}
