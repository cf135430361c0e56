package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresDedupStore is the durable tier behind the engine's idempotency LRU.
type PostgresDedupStore struct {
	db *sql.DB
}

func NewPostgresDedupStore(db *sql.DB) *PostgresDedupStore {
	return &PostgresDedupStore{db: db}
}

// IsDuplicate checks the event log for the op-scoped composite key. The log
// stores "op:key" per envelope, so the same client key reused across distinct
// ops never collides.
func (s *PostgresDedupStore) IsDuplicate(opName, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE idempotency_key = $1
		LIMIT 1
	`, opName+":"+idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
