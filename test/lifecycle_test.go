package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"contractflow/auth"
	"contractflow/contract"
	"contractflow/milestone"
	"contractflow/payments"
	"contractflow/test/infra"
)

var pgDSN = flag.String("pg-dsn", "", "Postgres DSN to reuse instead of starting a container")

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// fakeProcessor stands in for the payment processor's REST API. Each call
// hands back a deterministic reference so events can be correlated later.
type fakeProcessor struct {
	transfers atomic.Int64
	refunds   atomic.Int64
}

func (p *fakeProcessor) CreatePaymentIntent(context.Context, int64, string, map[string]string) (string, error) {
	return "pi_test_1", nil
}

func (p *fakeProcessor) CreateTransfer(context.Context, int64, string, map[string]string) (string, error) {
	return fmt.Sprintf("tr_test_%d", p.transfers.Add(1)), nil
}

func (p *fakeProcessor) CreateRefund(context.Context, string, int64) (string, error) {
	return fmt.Sprintf("re_test_%d", p.refunds.Add(1)), nil
}

func setupDB(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	dsn := *pgDSN
	if dsn == "" {
		dsn = os.Getenv("INTEGRATION_PG_DSN")
	}
	if dsn == "" && !dockerAvailable(ctx) {
		t.Skip("integration test needs docker or a -pg-dsn / INTEGRATION_PG_DSN database")
	}
	usedShared := dsn != ""

	pgC, dsn, err := infra.StartPostgres16(ctx, dsn)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		_ = pgC.Terminate(context.Background())
	})

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown schema: %v", err)
		}
	})

	return pool
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, email, role, stripeAccount string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role, stripe_account_id, payouts_enabled)
		VALUES ($1, $2, 'x', $3, NULLIF($4, ''), $4 <> '')
		RETURNING id`, email, email, role, stripeAccount).Scan(&id)
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return id
}

func seedContract(t *testing.T, ctx context.Context, pool *pgxpool.Pool, clientID, freelancerID, paymentType, status string, total float64) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO contracts (client_id, freelancer_id, title, description, total_amount, payment_type, status)
		VALUES ($1, $2, 'Marketplace build', 'Phase one of the storefront', $3, $4, $5)
		RETURNING id`, clientID, freelancerID, total, paymentType, status).Scan(&id)
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return id
}

func seedMilestone(t *testing.T, ctx context.Context, pool *pgxpool.Pool, contractID, title string, amount float64, order int, status string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO milestones (contract_id, title, amount, sort_order, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, contractID, title, amount, order, status).Scan(&id)
	if err != nil {
		t.Fatalf("seed milestone %s: %v", title, err)
	}
	return id
}

// drainPaymentOutbox hands pending payment.* outbox rows to the payment
// worker the way the relay would, marking each row sent on success.
func drainPaymentOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, svc *payments.Service) int {
	t.Helper()

	rows, err := pool.Query(ctx, `
		SELECT id, topic, payload FROM outbox
		WHERE status = 'pending' AND topic LIKE 'payment.%'
		ORDER BY id`)
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	type msg struct {
		id      int64
		topic   string
		payload []byte
	}
	var msgs []msg
	for rows.Next() {
		var m msg
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			t.Fatalf("scan outbox: %v", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()

	for _, m := range msgs {
		if err := svc.HandleOutbox(ctx, m.topic, m.payload); err != nil {
			t.Fatalf("handle outbox %d (%s): %v", m.id, m.topic, err)
		}
		if _, err := pool.Exec(ctx, `
			UPDATE outbox SET status = 'sent', sent_at = NOW() WHERE id = $1`, m.id); err != nil {
			t.Fatalf("mark outbox sent: %v", err)
		}
	}
	return len(msgs)
}

func depositEvent(eventID, paymentRef, contractID, clientID string, amountCents int64) payments.Event {
	evt := payments.Event{ID: eventID, Type: payments.EventPaymentSucceeded}
	evt.Data.Object = payments.EventObject{
		ID:     paymentRef,
		Amount: amountCents,
		Metadata: map[string]string{
			"contract_id": contractID,
			"client_id":   clientID,
		},
	}
	return evt
}

func transferEvent(eventID, transferRef string, metadata map[string]string) payments.Event {
	evt := payments.Event{ID: eventID, Type: payments.EventTransferCreated}
	evt.Data.Object = payments.EventObject{ID: transferRef, Metadata: metadata}
	return evt
}

func milestonePaymentEvent(eventID, paymentRef, milestoneID, clientID string, amountCents int64) payments.Event {
	evt := payments.Event{ID: eventID, Type: payments.EventPaymentSucceeded}
	evt.Data.Object = payments.EventObject{
		ID:     paymentRef,
		Amount: amountCents,
		Metadata: map[string]string{
			"milestone_id": milestoneID,
			"client_id":    clientID,
		},
	}
	return evt
}

// TestMilestoneContractLifecycle walks a milestone contract from mutual
// signing through escrow funding, per-milestone payout, and automatic
// completion once every milestone is paid.
func TestMilestoneContractLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := setupDB(t, ctx)

	clientID := seedUser(t, ctx, pool, "client@example.com", "client", "")
	freelancerID := seedUser(t, ctx, pool, "freelancer@example.com", "freelancer", "acct_test_1")
	contractID := seedContract(t, ctx, pool, clientID, freelancerID, "milestone", "pending", 1000)
	m1 := seedMilestone(t, ctx, pool, contractID, "Design", 400, 1, "pending")
	m2 := seedMilestone(t, ctx, pool, contractID, "Build", 600, 2, "pending")

	client := auth.Actor{UserID: clientID, Role: auth.RoleClient}
	freelancer := auth.Actor{UserID: freelancerID, Role: auth.RoleFreelancer}

	contractSvc := contract.NewService(pool, contract.NewRepository(pool), nil, 10)
	milestoneSvc := milestone.NewService(pool, milestone.NewRepository(pool), nil, 10)
	proc := &fakeProcessor{}
	paymentSvc := payments.NewService(pool, proc)
	bridge := payments.NewBridge(pool, payments.NewEventRepository(), nil, 10)

	// Both parties sign; the second signature activates the contract.
	if _, err := contractSvc.Sign(ctx, client, contractID); err != nil {
		t.Fatalf("client sign: %v", err)
	}
	c, err := contractSvc.Sign(ctx, freelancer, contractID)
	if err != nil {
		t.Fatalf("freelancer sign: %v", err)
	}
	if c.Status != contract.StatusActive {
		t.Fatalf("status after both signatures = %s, want active", c.Status)
	}
	if c.IsEditable {
		t.Fatal("contract still editable after freelancer signed")
	}

	// The client funds escrow; the processor confirms via webhook event.
	if err := bridge.HandleEvent(ctx, depositEvent("evt_1", "pi_test_1", contractID, clientID, 100000)); err != nil {
		t.Fatalf("deposit event: %v", err)
	}
	var escrowFunded bool
	if err := pool.QueryRow(ctx, `SELECT escrow_funded FROM contracts WHERE id = $1`, contractID).Scan(&escrowFunded); err != nil {
		t.Fatalf("read escrow flag: %v", err)
	}
	if !escrowFunded {
		t.Fatal("escrow not marked funded after deposit event")
	}

	// First milestone: submit, approve, and release the payout.
	if _, err := milestoneSvc.Submit(ctx, freelancer, m1, "Design mockups attached"); err != nil {
		t.Fatalf("submit m1: %v", err)
	}
	approved, err := milestoneSvc.Approve(ctx, client, m1)
	if err != nil {
		t.Fatalf("approve m1: %v", err)
	}
	if approved.Status != milestone.StatusApproved {
		t.Fatalf("m1 status = %s, want approved", approved.Status)
	}
	if n := drainPaymentOutbox(t, ctx, pool, paymentSvc); n != 1 {
		t.Fatalf("drained %d payment messages, want 1", n)
	}

	var status, ref string
	err = pool.QueryRow(ctx, `
		SELECT status, external_ref FROM transactions
		WHERE milestone_id = $1 AND type = 'release'`, m1).Scan(&status, &ref)
	if err != nil {
		t.Fatalf("read m1 release txn: %v", err)
	}
	if status != "processing" || ref != "tr_test_1" {
		t.Fatalf("m1 release txn = %s/%s, want processing/tr_test_1", status, ref)
	}

	// The processor confirms the transfer; the bridge marks the milestone paid.
	if err := bridge.HandleEvent(ctx, transferEvent("evt_2", "tr_test_1", map[string]string{"milestone_id": m1})); err != nil {
		t.Fatalf("transfer event m1: %v", err)
	}
	var m1Status string
	if err := pool.QueryRow(ctx, `SELECT status FROM milestones WHERE id = $1`, m1).Scan(&m1Status); err != nil {
		t.Fatalf("read m1: %v", err)
	}
	if m1Status != "paid" {
		t.Fatalf("m1 status = %s, want paid", m1Status)
	}
	c, err = contractSvc.Get(ctx, client, contractID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if c.Status != contract.StatusActive {
		t.Fatalf("contract completed with a milestone still unpaid, status = %s", c.Status)
	}

	// Replaying a processed event must not double-credit.
	if err := bridge.HandleEvent(ctx, transferEvent("evt_2", "tr_test_1", map[string]string{"milestone_id": m1})); err != nil {
		t.Fatalf("replayed event: %v", err)
	}
	var completedReleases int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE type = 'release' AND status = 'completed'`).Scan(&completedReleases); err != nil {
		t.Fatalf("count releases: %v", err)
	}
	if completedReleases != 1 {
		t.Fatalf("completed release rows = %d after replay, want 1", completedReleases)
	}

	// Second milestone closes out the contract automatically.
	if _, err := milestoneSvc.Submit(ctx, freelancer, m2, "Storefront deployed"); err != nil {
		t.Fatalf("submit m2: %v", err)
	}
	if _, err := milestoneSvc.Approve(ctx, client, m2); err != nil {
		t.Fatalf("approve m2: %v", err)
	}
	if n := drainPaymentOutbox(t, ctx, pool, paymentSvc); n != 1 {
		t.Fatalf("drained %d payment messages, want 1", n)
	}
	if err := bridge.HandleEvent(ctx, transferEvent("evt_3", "tr_test_2", map[string]string{"milestone_id": m2})); err != nil {
		t.Fatalf("transfer event m2: %v", err)
	}

	c, err = contractSvc.Get(ctx, client, contractID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if c.Status != contract.StatusCompleted {
		t.Fatalf("contract status = %s after all milestones paid, want completed", c.Status)
	}
}

// TestConcurrentApprovalReleasesOnce hammers one submitted milestone with
// parallel approvals and checks exactly one payout ledger row comes out.
func TestConcurrentApprovalReleasesOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := setupDB(t, ctx)

	clientID := seedUser(t, ctx, pool, "client2@example.com", "client", "")
	freelancerID := seedUser(t, ctx, pool, "freelancer2@example.com", "freelancer", "acct_test_2")
	contractID := seedContract(t, ctx, pool, clientID, freelancerID, "milestone", "active", 500)
	if _, err := pool.Exec(ctx, `UPDATE contracts SET escrow_funded = TRUE WHERE id = $1`, contractID); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	mID := seedMilestone(t, ctx, pool, contractID, "Everything", 500, 1, "submitted")

	client := auth.Actor{UserID: clientID, Role: auth.RoleClient}
	milestoneSvc := milestone.NewService(pool, milestone.NewRepository(pool), nil, 10)

	var approvals atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range 8 {
		g.Go(func() error {
			_, err := milestoneSvc.Approve(gctx, client, mID)
			if err == nil {
				approvals.Add(1)
				return nil
			}
			if errors.Is(err, milestone.ErrInvalidState) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent approvals: %v", err)
	}
	if got := approvals.Load(); got != 1 {
		t.Fatalf("%d approvals succeeded, want exactly 1", got)
	}

	var releases int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions WHERE milestone_id = $1 AND type = 'release'`, mID).Scan(&releases); err != nil {
		t.Fatalf("count release rows: %v", err)
	}
	if releases != 1 {
		t.Fatalf("release ledger rows = %d, want 1", releases)
	}
}

// TestMilestonePaymentFundsSingleMilestone covers per-milestone funding: a
// payment correlated to one milestone approves it and queues its payout
// without touching contract-level escrow.
func TestMilestonePaymentFundsSingleMilestone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := setupDB(t, ctx)

	clientID := seedUser(t, ctx, pool, "client3@example.com", "client", "")
	freelancerID := seedUser(t, ctx, pool, "freelancer3@example.com", "freelancer", "acct_test_3")
	contractID := seedContract(t, ctx, pool, clientID, freelancerID, "milestone", "active", 400)
	mID := seedMilestone(t, ctx, pool, contractID, "Design", 400, 1, "submitted")

	proc := &fakeProcessor{}
	paymentSvc := payments.NewService(pool, proc)
	bridge := payments.NewBridge(pool, payments.NewEventRepository(), nil, 10)

	if err := bridge.HandleEvent(ctx, milestonePaymentEvent("evt_mp1", "pi_test_9", mID, clientID, 40000)); err != nil {
		t.Fatalf("milestone payment event: %v", err)
	}

	var mStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM milestones WHERE id = $1`, mID).Scan(&mStatus); err != nil {
		t.Fatalf("read milestone: %v", err)
	}
	if mStatus != "approved" {
		t.Fatalf("milestone status = %s after payment, want approved", mStatus)
	}
	var escrowFunded bool
	if err := pool.QueryRow(ctx, `SELECT escrow_funded FROM contracts WHERE id = $1`, contractID).Scan(&escrowFunded); err != nil {
		t.Fatalf("read escrow flag: %v", err)
	}
	if escrowFunded {
		t.Fatal("milestone-scoped payment must not flip contract escrow")
	}

	var relStatus string
	var payout, fee int64
	err := pool.QueryRow(ctx, `
		SELECT status, payout_cents, fee_cents FROM transactions
		WHERE milestone_id = $1 AND type = 'release'`, mID).Scan(&relStatus, &payout, &fee)
	if err != nil {
		t.Fatalf("read release txn: %v", err)
	}
	if relStatus != "pending" || payout != 36000 || fee != 4000 {
		t.Fatalf("release txn = %s/%d/%d, want pending/36000/4000", relStatus, payout, fee)
	}

	// Replaying the payment must not queue a second payout.
	if err := bridge.HandleEvent(ctx, milestonePaymentEvent("evt_mp1", "pi_test_9", mID, clientID, 40000)); err != nil {
		t.Fatalf("replayed payment event: %v", err)
	}
	var releases int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions WHERE milestone_id = $1 AND type = 'release'`, mID).Scan(&releases); err != nil {
		t.Fatalf("count release rows: %v", err)
	}
	if releases != 1 {
		t.Fatalf("release rows = %d after replay, want 1", releases)
	}

	if n := drainPaymentOutbox(t, ctx, pool, paymentSvc); n != 1 {
		t.Fatalf("drained %d payment messages, want 1", n)
	}
	if err := bridge.HandleEvent(ctx, transferEvent("evt_mp2", "tr_test_1", map[string]string{"milestone_id": mID})); err != nil {
		t.Fatalf("transfer event: %v", err)
	}

	if err := pool.QueryRow(ctx, `SELECT status FROM milestones WHERE id = $1`, mID).Scan(&mStatus); err != nil {
		t.Fatalf("read milestone: %v", err)
	}
	if mStatus != "paid" {
		t.Fatalf("milestone status = %s after transfer, want paid", mStatus)
	}
	var cStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM contracts WHERE id = $1`, contractID).Scan(&cStatus); err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if cStatus != "completed" {
		t.Fatalf("contract status = %s with every milestone paid, want completed", cStatus)
	}
}
