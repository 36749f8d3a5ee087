package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type eventDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSink persists events for after-the-fact investigation. Insert
// failures are logged and dropped; the sink never blocks or fails a request.
type PostgresSink struct {
	DB      eventDB
	Timeout time.Duration
}

func (s *PostgresSink) Record(ctx context.Context, evt Event) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	// Detached from the request context: a client disconnect should not lose
	// the event, and a sink stall should not hold the request.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	var rawCtx []byte
	if evt.Context != nil {
		rawCtx, _ = json.Marshal(evt.Context)
	}
	_, err := s.DB.Exec(opCtx, `
		INSERT INTO security_events (id, event_type, outcome, message, context, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, evt.ID, evt.Type, evt.Outcome, evt.Message, rawCtx, evt.At)
	if err != nil {
		log.Printf("security event sink: insert failed: %v", err)
	}
}

// Recent returns the newest events, operator surface only.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, event_type, outcome, message, context, created_at
		FROM security_events ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var evt Event
		var rawCtx []byte
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Outcome, &evt.Message, &rawCtx, &evt.At); err != nil {
			return nil, err
		}
		if len(rawCtx) > 0 {
			_ = json.Unmarshal(rawCtx, &evt.Context)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
