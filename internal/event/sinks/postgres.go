package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crustclub/crustclub/internal/event"
)

// DB is the subset of *pgxpool.Pool used by the Postgres sink.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StoredEvent is a persisted event row.
type StoredEvent struct {
	ID        string          `json:"id"`
	Type      event.Type      `json:"type"`
	Severity  event.Severity  `json:"severity"`
	Subject   string          `json:"subject"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Postgres persists events in the monitor_events table.
type Postgres struct {
	db          DB
	minSeverity event.Severity
}

// NewPostgres creates a Postgres sink storing events at or above minSeverity.
func NewPostgres(db DB, minSeverity event.Severity) *Postgres {
	return &Postgres{db: db, minSeverity: minSeverity}
}

// Report inserts ev.
func (p *Postgres) Report(ctx context.Context, ev event.Event) error {
	if !ev.Severity().AtLeast(p.minSeverity) {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	query := `
		INSERT INTO monitor_events (id, type, severity, subject, summary, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = p.db.Exec(ctx, query,
		uuid.New().String(),
		string(ev.Type()),
		string(ev.Severity()),
		ev.Subject(),
		ev.Summary(),
		payload,
		ev.OccurredAt(),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Recent returns up to limit stored events, newest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, type, severity, subject, summary, payload, created_at
		FROM monitor_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := p.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			se  StoredEvent
			typ string
			sev string
		)
		if err := rows.Scan(&se.ID, &typ, &sev, &se.Subject, &se.Summary, &se.Payload, &se.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		se.Type = event.Type(typ)
		se.Severity = event.Severity(sev)
		events = append(events, se)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

var _ event.Sink = (*Postgres)(nil)
