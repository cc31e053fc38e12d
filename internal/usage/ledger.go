// Package usage keeps a sqlite ledger of per-run token consumption.
// The session store tracks lifetime totals; the ledger keeps the
// time-series the gateway's usage.summary method slices by window.
package usage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Record is one run's token consumption.
type Record struct {
	AtMs         int64
	SessionKey   string
	AgentID      string
	RunID        string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ModelSummary aggregates one provider/model pair inside a window.
type ModelSummary struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Runs         int64  `json:"runs"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// WindowSummary is the usage.summary payload.
type WindowSummary struct {
	SinceMs      int64          `json:"sinceMs"`
	Runs         int64          `json:"runs"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	Models       []ModelSummary `json:"models"`
}

// Ledger is the sqlite-backed usage store.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger and applies pending migrations.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// sqlite writes are single-connection; more just contend on the lock.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping usage db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "usage", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// m.Close would close the shared *sql.DB through the driver; only
	// the source gets closed here.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Add appends one record. A zero AtMs stamps the current time.
func (l *Ledger) Add(ctx context.Context, rec Record) error {
	if rec.AtMs == 0 {
		rec.AtMs = time.Now().UnixMilli()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO token_usage
		 (at_ms, session_key, agent_id, run_id, provider, model, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AtMs, rec.SessionKey, rec.AgentID, rec.RunID,
		rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary aggregates all records at or after sinceMs, grouped by
// provider/model. It satisfies the gateway's usage summarizer contract.
func (l *Ledger) Summary(ctx context.Context, sinceMs int64) (interface{}, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM token_usage
		 WHERE at_ms >= ?
		 GROUP BY provider, model
		 ORDER BY SUM(input_tokens) + SUM(output_tokens) DESC`,
		sinceMs)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	out := WindowSummary{SinceMs: sinceMs, Models: []ModelSummary{}}
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Provider, &m.Model, &m.Runs, &m.InputTokens, &m.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out.Models = append(out.Models, m)
		out.Runs += m.Runs
		out.InputTokens += m.InputTokens
		out.OutputTokens += m.OutputTokens
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes records older than beforeMs and reports how many went.
func (l *Ledger) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM token_usage WHERE at_ms < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("prune usage records: %w", err)
	}
	return res.RowsAffected()
}
