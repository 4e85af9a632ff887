// Package history persists lifecycle events to a small SQLite database so
// the setup page can show what happened to the gateway across wrapper
// restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
	"github.com/mxrcochxvez/moltbot-railway/internal/shared"
)

// maxEvents bounds the table; older rows are pruned on insert.
const maxEvents = 500

// Event is one recorded lifecycle transition.
type Event struct {
	ID     string    `json:"id"`
	Topic  string    `json:"topic"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			detail TEXT NOT NULL,
			at DATETIME NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_events_at ON events(at DESC);",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores one event. The detail is redacted before it touches disk.
func (s *Store) Record(ctx context.Context, topic, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, topic, detail, at) VALUES (?, ?, ?, ?);`,
		uuid.NewString(), topic, shared.Redact(detail), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id NOT IN (
			SELECT id FROM events ORDER BY at DESC, rowid DESC LIMIT ?
		);`, maxEvents)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, detail, at FROM events ORDER BY at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Topic, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Follow records every bus event until ctx is done. Run it in its own
// goroutine; recording failures are logged and skipped so a sick database
// never stalls the bus.
func (s *Store) Follow(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.Record(ctx, ev.Topic, detailFor(ev)); err != nil && ctx.Err() == nil {
				logger.Error("record lifecycle event", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func detailFor(ev bus.Event) string {
	var parts []string
	switch p := ev.Payload.(type) {
	case bus.GatewayEvent:
		if p.AttemptID != "" {
			parts = append(parts, "attempt="+p.AttemptID)
		}
		if p.PID != 0 {
			parts = append(parts, fmt.Sprintf("pid=%d", p.PID))
		}
		if p.Detail != "" {
			parts = append(parts, p.Detail)
		}
	case bus.OnboardEvent:
		parts = append(parts, "run="+p.RunID)
		if p.Provider != "" {
			parts = append(parts, "provider="+p.Provider)
		}
		if p.Platform != "" {
			parts = append(parts, "platform="+p.Platform)
		}
		if p.Detail != "" {
			parts = append(parts, p.Detail)
		}
	case bus.PairingEvent:
		parts = append(parts, "channel="+p.Channel)
		if p.Detail != "" {
			parts = append(parts, p.Detail)
		}
	case bus.ConfigEvent:
		if p.Path != "" {
			parts = append(parts, p.Path)
		}
		if p.Detail != "" {
			parts = append(parts, p.Detail)
		}
	default:
		if ev.Payload != nil {
			parts = append(parts, fmt.Sprintf("%v", ev.Payload))
		}
	}
	return strings.Join(parts, " ")
}
