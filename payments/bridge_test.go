package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestHandleEvent_ReplayedEventIsNoOp(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{reserveErr: ErrDuplicateEvent}
	bridge := NewBridge(pool, repo, nil, 10)

	evt := Event{ID: "evt_1", Type: EventPaymentSucceeded}
	evt.Data.Object.Metadata = map[string]string{"contract_id": "c1"}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected replay to be swallowed, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit on replay")
	}
	if repo.depositRecorded {
		t.Errorf("expected no ledger write on replay")
	}
}

func TestHandleEvent_DepositFundsEscrow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{depositResult: DepositResult{FreelancerID: "f1", ContractTitle: "Storefront"}}
	sink := &fakeNotifier{}
	bridge := NewBridge(pool, repo, sink, 10)

	evt := Event{ID: "evt_1", Type: EventPaymentSucceeded}
	evt.Data.Object = EventObject{
		ID:       "pi_1",
		Amount:   100000,
		Metadata: map[string]string{"contract_id": "c1", "client_id": "u1"},
	}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected deposit event to apply, got %v", err)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if repo.deposit.ContractID != "c1" || repo.deposit.AmountCents != 100000 || repo.deposit.PaymentRef != "pi_1" {
		t.Errorf("unexpected deposit params %+v", repo.deposit)
	}
	if len(sink.kinds) != 1 || sink.kinds[0] != "escrow:funded" || sink.users[0] != "f1" {
		t.Errorf("expected escrow:funded notification for freelancer, got %v/%v", sink.kinds, sink.users)
	}
}

func TestHandleEvent_DepositRequiresContractMetadata(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{}
	bridge := NewBridge(pool, repo, nil, 10)

	evt := Event{ID: "evt_1", Type: EventPaymentSucceeded}
	evt.Data.Object = EventObject{ID: "pi_1", Amount: 100000}

	if err := bridge.HandleEvent(context.Background(), evt); err == nil {
		t.Fatal("expected error for missing contract metadata")
	}
	if pool.tx.committed {
		t.Errorf("expected rollback")
	}
}

func TestHandleEvent_MilestonePaymentApprovesAndQueuesPayout(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{milestoneDepositResult: MilestoneDepositResult{
		ContractID:     "c1",
		FreelancerID:   "f1",
		MilestoneTitle: "Design",
	}}
	sink := &fakeNotifier{}
	bridge := NewBridge(pool, repo, sink, 10)

	evt := Event{ID: "evt_m1", Type: EventPaymentSucceeded}
	evt.Data.Object = EventObject{
		ID:       "pi_m1",
		Amount:   40000,
		Metadata: map[string]string{"milestone_id": "m1", "contract_id": "c1", "client_id": "u1"},
	}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected milestone payment to apply, got %v", err)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if repo.milestoneDeposit.MilestoneID != "m1" || repo.milestoneDeposit.AmountCents != 40000 {
		t.Errorf("unexpected milestone deposit params %+v", repo.milestoneDeposit)
	}
	if repo.milestoneDeposit.FeePercent != 10 {
		t.Errorf("expected fee percent 10, got %d", repo.milestoneDeposit.FeePercent)
	}
	if repo.depositRecorded {
		t.Errorf("expected milestone path, but contract-level deposit ran")
	}
	if len(sink.kinds) != 1 || sink.kinds[0] != "milestone:funded" || sink.users[0] != "f1" {
		t.Errorf("expected milestone:funded notification for freelancer, got %v/%v", sink.kinds, sink.users)
	}
}

func TestHandleEvent_MilestonePaymentAlreadyFundedStaysQuiet(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{milestoneDepositResult: MilestoneDepositResult{AlreadyFunded: true}}
	sink := &fakeNotifier{}
	bridge := NewBridge(pool, repo, sink, 10)

	evt := Event{ID: "evt_m2", Type: EventPaymentSucceeded}
	evt.Data.Object = EventObject{ID: "pi_m2", Amount: 40000, Metadata: map[string]string{"milestone_id": "m1"}}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected event to apply, got %v", err)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit so the event id stays reserved")
	}
	if len(sink.kinds) != 0 {
		t.Errorf("expected no notification for an already-funded milestone, got %v", sink.kinds)
	}
}

func TestHandleEvent_TransferPrefersMilestoneCorrelation(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{milestonePaid: MilestonePaidResult{ContractID: "c1", FreelancerID: "f1", MilestoneTitle: "Design"}}
	sink := &fakeNotifier{}
	bridge := NewBridge(pool, repo, sink, 10)

	evt := Event{ID: "evt_2", Type: EventTransferCreated}
	evt.Data.Object = EventObject{
		ID:       "tr_1",
		Metadata: map[string]string{"milestone_id": "m1", "transaction_id": "t1"},
	}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected transfer event to apply, got %v", err)
	}
	if repo.paidMilestoneID != "m1" {
		t.Errorf("expected milestone m1 to be paid, got %q", repo.paidMilestoneID)
	}
	if repo.completedTxnID != "" {
		t.Errorf("expected milestone path, but contract-level release %q ran", repo.completedTxnID)
	}
	if len(sink.kinds) != 1 || sink.kinds[0] != "milestone:paid" {
		t.Errorf("expected milestone:paid notification, got %v", sink.kinds)
	}
}

func TestHandleEvent_TransferCompletesContractRelease(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{releaseResult: ReleaseResult{ContractID: "c1", FreelancerID: "f1"}}
	sink := &fakeNotifier{}
	bridge := NewBridge(pool, repo, sink, 10)

	evt := Event{ID: "evt_3", Type: EventTransferCreated}
	evt.Data.Object = EventObject{ID: "tr_2", Metadata: map[string]string{"transaction_id": "t1"}}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected transfer event to apply, got %v", err)
	}
	if repo.completedTxnID != "t1" {
		t.Errorf("expected release t1 to complete, got %q", repo.completedTxnID)
	}
	if len(sink.kinds) != 1 || sink.kinds[0] != "payment:released" {
		t.Errorf("expected payment:released notification, got %v", sink.kinds)
	}
}

func TestHandleEvent_TransferWithoutCorrelationIsDropped(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{}
	bridge := NewBridge(pool, repo, nil, 10)

	evt := Event{ID: "evt_4", Type: EventTransferCreated}
	evt.Data.Object = EventObject{ID: "tr_3"}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected uncorrelated transfer to be ignored, got %v", err)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit so the event id stays reserved")
	}
	if repo.paidMilestoneID != "" || repo.completedTxnID != "" {
		t.Errorf("expected no ledger writes")
	}
}

func TestHandleEvent_AlreadyPaidMilestoneStaysQuiet(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{milestonePaid: MilestonePaidResult{AlreadyPaid: true}}
	sink := &fakeNotifier{}
	bridge := NewBridge(pool, repo, sink, 10)

	evt := Event{ID: "evt_5", Type: EventTransferCreated}
	evt.Data.Object = EventObject{ID: "tr_4", Metadata: map[string]string{"milestone_id": "m1"}}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected event to apply, got %v", err)
	}
	if len(sink.kinds) != 0 {
		t.Errorf("expected no notification for an already-paid milestone, got %v", sink.kinds)
	}
}

func TestHandleEvent_RefundFallsBackToChargeAmount(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{refundResult: RefundResult{ContractID: "c1", PayerID: "u1", AmountCents: 5000}}
	bridge := NewBridge(pool, repo, nil, 10)

	evt := Event{ID: "evt_6", Type: EventChargeRefunded}
	evt.Data.Object = EventObject{ID: "ch_1", PaymentIntent: "pi_1", Amount: 5000, AmountRefunded: 0}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected refund event to apply, got %v", err)
	}
	if repo.refundAmount != 5000 || repo.refundRef != "pi_1" {
		t.Errorf("expected full charge amount refunded against pi_1, got %d/%s", repo.refundAmount, repo.refundRef)
	}
}

func TestHandleEvent_AccountUpdatedEligibility(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeEventRepo{eligibility: EligibilityResult{UserID: "f1", BecameEnabled: true}}
	sink := &fakeNotifier{}
	bridge := NewBridge(pool, repo, sink, 10)

	evt := Event{ID: "evt_7", Type: EventAccountUpdated}
	evt.Data.Object = EventObject{ID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true}

	if err := bridge.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected account event to apply, got %v", err)
	}
	if !repo.eligible {
		t.Errorf("expected account marked eligible")
	}
	if len(sink.kinds) != 1 || sink.kinds[0] != "payouts:enabled" {
		t.Errorf("expected payouts:enabled notification, got %v", sink.kinds)
	}

	// Charges without payouts is not eligible.
	repo2 := &fakeEventRepo{}
	bridge2 := NewBridge(&fakePool{}, repo2, nil, 10)
	evt.ID = "evt_8"
	evt.Data.Object.PayoutsEnabled = false
	if err := bridge2.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("expected account event to apply, got %v", err)
	}
	if repo2.eligible {
		t.Errorf("expected account marked ineligible without payouts")
	}
}

type fakeNotifier struct {
	users []string
	kinds []string
}

func (f *fakeNotifier) Create(ctx context.Context, userID, kind, title, message, link string) error {
	f.users = append(f.users, userID)
	f.kinds = append(f.kinds, kind)
	return nil
}

type fakeEventRepo struct {
	reserveErr error

	depositResult          DepositResult
	milestoneDepositResult MilestoneDepositResult
	milestonePaid          MilestonePaidResult
	releaseResult          ReleaseResult
	refundResult           RefundResult
	eligibility            EligibilityResult

	depositRecorded  bool
	deposit          DepositParams
	milestoneDeposit MilestoneDepositParams
	paidMilestoneID  string
	completedTxnID   string
	refundRef        string
	refundAmount     int64
	eligible         bool
}

func (f *fakeEventRepo) ReserveEvent(ctx context.Context, tx pgx.Tx, eventID string) error {
	return f.reserveErr
}

func (f *fakeEventRepo) RecordDeposit(ctx context.Context, tx pgx.Tx, params DepositParams) (DepositResult, error) {
	f.depositRecorded = true
	f.deposit = params
	return f.depositResult, nil
}

func (f *fakeEventRepo) RecordMilestoneDeposit(ctx context.Context, tx pgx.Tx, params MilestoneDepositParams) (MilestoneDepositResult, error) {
	f.milestoneDeposit = params
	return f.milestoneDepositResult, nil
}

func (f *fakeEventRepo) MarkPaymentFailed(ctx context.Context, tx pgx.Tx, paymentRef, reason string, metadata map[string]string) (string, error) {
	return "", nil
}

func (f *fakeEventRepo) MarkMilestonePaid(ctx context.Context, tx pgx.Tx, milestoneID, transferRef string) (MilestonePaidResult, error) {
	f.paidMilestoneID = milestoneID
	return f.milestonePaid, nil
}

func (f *fakeEventRepo) CompleteReleaseTransaction(ctx context.Context, tx pgx.Tx, transactionID, transferRef string) (ReleaseResult, error) {
	f.completedTxnID = transactionID
	return f.releaseResult, nil
}

func (f *fakeEventRepo) RecordRefund(ctx context.Context, tx pgx.Tx, paymentRef string, amountCents int64) (RefundResult, error) {
	f.refundRef = paymentRef
	f.refundAmount = amountCents
	return f.refundResult, nil
}

func (f *fakeEventRepo) SetPayoutEligibility(ctx context.Context, tx pgx.Tx, accountID string, eligible bool) (EligibilityResult, error) {
	f.eligible = eligible
	return f.eligibility, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
