package test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/outbox"
)

func seedOutboxRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, topic string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO outbox (topic, payload) VALUES ($1, '{}'::jsonb)
		RETURNING id`, topic).Scan(&id)
	if err != nil {
		t.Fatalf("seed outbox row: %v", err)
	}
	return id
}

func outboxStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id int64) string {
	t.Helper()
	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM outbox WHERE id = $1`, id).Scan(&status); err != nil {
		t.Fatalf("read outbox status: %v", err)
	}
	return status
}

// TestOutboxClaimIsExclusive checks that a claimed row is invisible to a
// second claimer until it is settled, so two relays polling the same table
// cannot dispatch the same message twice.
func TestOutboxClaimIsExclusive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := setupDB(t, ctx)
	store := outbox.NewStore(pool)

	ids := []int64{
		seedOutboxRow(t, ctx, pool, "contract.activated"),
		seedOutboxRow(t, ctx, pool, "payment.release_requested"),
		seedOutboxRow(t, ctx, pool, "dispute.opened"),
	}

	first, err := store.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first claim returned %d rows, want 3", len(first))
	}
	for _, m := range first {
		if m.Attempts != 1 {
			t.Errorf("message %d attempts = %d after first claim, want 1", m.ID, m.Attempts)
		}
		if got := outboxStatus(t, ctx, pool, m.ID); got != "processing" {
			t.Errorf("message %d status = %s after claim, want processing", m.ID, got)
		}
	}

	second, err := store.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim returned %d in-flight rows, want 0", len(second))
	}

	// A retryable failure puts the row back in line.
	if err := store.MarkFailed(ctx, ids[0], "smtp timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retry, err := store.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if len(retry) != 1 || retry[0].ID != ids[0] {
		t.Fatalf("retry claim = %+v, want just message %d", retry, ids[0])
	}
	if retry[0].Attempts != 2 {
		t.Errorf("retried message attempts = %d, want 2", retry[0].Attempts)
	}

	// Settled rows never come due again.
	if err := store.MarkSent(ctx, ids[1]); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := store.MarkFailed(ctx, ids[2], "bad payload", true); err != nil {
		t.Fatalf("mark failed final: %v", err)
	}
	if got := outboxStatus(t, ctx, pool, ids[1]); got != "sent" {
		t.Errorf("message %d status = %s, want sent", ids[1], got)
	}
	if got := outboxStatus(t, ctx, pool, ids[2]); got != "failed" {
		t.Errorf("message %d status = %s, want failed", ids[2], got)
	}
}

// TestOutboxStaleClaimComesDue checks that a row stranded in processing by a
// crashed relay becomes claimable again once its claim goes stale.
func TestOutboxStaleClaimComesDue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := setupDB(t, ctx)
	store := outbox.NewStore(pool)

	id := seedOutboxRow(t, ctx, pool, "contract.completed")
	if _, err := store.Claim(ctx, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if msgs, err := store.Claim(ctx, 10); err != nil || len(msgs) != 0 {
		t.Fatalf("fresh in-flight row reclaimed: %v/%v", msgs, err)
	}

	if _, err := pool.Exec(ctx, `
		UPDATE outbox SET claimed_at = NOW() - INTERVAL '10 minutes' WHERE id = $1`, id); err != nil {
		t.Fatalf("age claim: %v", err)
	}
	msgs, err := store.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("reclaim = %+v, want stranded message %d", msgs, id)
	}
	if msgs[0].Attempts != 2 {
		t.Errorf("reclaimed message attempts = %d, want 2", msgs[0].Attempts)
	}
}
