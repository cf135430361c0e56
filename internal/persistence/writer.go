package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"TermLedger/internal/event"
)

// EventRow is one row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte
	Timestamp      time.Time
}

// RowFromEnvelope flattens an envelope for storage. An empty market
// discriminator (auditor-global events) maps to NULL.
func RowFromEnvelope(env *event.Envelope) EventRow {
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.Kind.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	}
	if env.MarketID != "" {
		id := env.MarketID
		row.MarketID = &id
	}
	return row
}

// EventLogWriter writes envelopes to Postgres with multi-row INSERTs.
// Writes are idempotent on sequence, so a retried batch never duplicates.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch appends a batch inside the caller's transaction. Every row
// carries the batch id, so a write batch can be traced from the log alone.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, batchID uuid.UUID, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, timestamp, batch_id)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)
	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args, e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID, e.Payload, e.Timestamp, batchID)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LatestSequence returns the highest persisted sequence, 0 for an empty log.
// The engine starts assigning from LatestSequence()+1.
func (w *EventLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentDedupKeys returns the newest limit stored "op:key" composites, used
// to warm the engine's idempotency LRU at startup. The column already holds
// the op-scoped composite, so the rows come back verbatim.
func (w *EventLogWriter) RecentDedupKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT idempotency_key, MAX(sequence) AS seq
		FROM event_log.events
		WHERE idempotency_key <> ''
		GROUP BY idempotency_key
		ORDER BY seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		var seq int64
		if err := rows.Scan(&key, &seq); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// LoadEventsFrom streams events for replay, ordered by sequence.
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
