// Package timeline appends immutable activity events and transactional
// outbox messages. Both writes always happen inside the caller's
// transaction so they commit or vanish with the state change itself.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Append writes one activity event for a contract.
func Append(ctx context.Context, tx pgx.Tx, contractID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (contract_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4::uuid)`,
		contractID, eventType, body, actor); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}

// Enqueue writes a transactional outbox message for asynchronous delivery.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("timeline: enqueue outbox: %w", err)
	}
	return nil
}
