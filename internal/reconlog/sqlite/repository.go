// Package sqlite provides a SQLite-backed implementation of
// reconlog.Repository.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa: the reconciler goroutines write while an operator may be querying
// the log for a dispute.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jcmexdev/payment-reconciler/internal/reconlog"

	// Register the pure-Go SQLite driver.
	// modernc.org/sqlite avoids CGO, which keeps the Docker build on Alpine
	// simple.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup. The table is append-only:
// each row is one immutable observation.
const schema = `
CREATE TABLE IF NOT EXISTS reconciliation_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,

    -- Gateway transaction token. Not UNIQUE: one row per observation.
    token        TEXT    NOT NULL,

    -- Business identifier for joining with order data.
    order_id     INTEGER NOT NULL DEFAULT 0,

    -- Resolved status after applying this observation.
    status       TEXT    NOT NULL,

    -- Channel that produced the observation: POLL, WEBHOOK or PUSH.
    source       TEXT    NOT NULL,

    -- 1 when the observation contradicted a frozen terminal status.
    anomaly      INTEGER NOT NULL DEFAULT 0,

    -- Raw gateway answer, preserved for fail-closed diagnostics.
    raw_code     TEXT    NOT NULL DEFAULT '',
    raw_text     TEXT    NOT NULL DEFAULT '',

    -- W3C trace/span IDs from the active OTel span, for trace lookup.
    trace_id     TEXT    NOT NULL DEFAULT '',
    span_id      TEXT    NOT NULL DEFAULT '',

    -- Wall-clock timestamp (RFC3339 stored as TEXT, SQLite idiom).
    observed_at  TEXT    NOT NULL
);

-- The common query: "all observations for token X in order".
CREATE INDEX IF NOT EXISTS idx_reconciliation_log_token ON reconciliation_log(token, observed_at);

-- The observability query: "which token does trace Y belong to".
CREATE INDEX IF NOT EXISTS idx_reconciliation_log_trace_id ON reconciliation_log(trace_id);
`

// Repository is the SQLite implementation of reconlog.Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path and applies
// the schema. WAL mode is enabled for concurrent read/write.
func Open(path string) (*Repository, error) {
	// The pure-Go driver takes _pragma query parameters. busy_timeout waits
	// for locks instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save inserts a new log entry. Safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *reconlog.Entry) error {
	const q = `
		INSERT INTO reconciliation_log
			(token, order_id, status, source, anomaly, raw_code, raw_text, trace_id, span_id, observed_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	anomaly := 0
	if entry.Anomaly {
		anomaly = 1
	}

	_, err := r.db.ExecContext(ctx, q,
		entry.Token,
		entry.OrderID,
		string(entry.Status),
		string(entry.Source),
		anomaly,
		entry.RawCode,
		entry.RawText,
		entry.TraceID,
		entry.SpanID,
		entry.ObservedAt.UTC().Format("2006-01-02T15:04:05.999999999Z"),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save reconciliation log for %q: %w", entry.Token, err)
	}
	return nil
}
