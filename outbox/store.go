package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store backed by the outbox table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Claim moves a batch of due rows to processing and returns them. A claimed
// row is invisible to other relays until MarkSent or MarkFailed settles it;
// processing rows whose claim went stale come due again so a crashed relay
// cannot strand them. SKIP LOCKED keeps concurrent claimers from contending.
func (s *PGStore) Claim(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox
		SET status = 'processing', attempts = attempts + 1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending'
			   OR (status = 'processing' AND claimed_at < NOW() - INTERVAL '5 minutes')
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, payload, attempts`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkSent(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'sent', sent_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// MarkFailed records the error. Non-final failures go back to pending and
// get picked up by a later poll.
func (s *PGStore) MarkFailed(ctx context.Context, id int64, reason string, final bool) error {
	status := "pending"
	if final {
		status = "failed"
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = $2, last_error = $3 WHERE id = $1`, id, status, reason); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
