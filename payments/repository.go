package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contractflow/timeline"
)

var (
	// ErrDuplicateEvent signals the event reference was already processed.
	ErrDuplicateEvent = errors.New("payments: duplicate event reference")
	// ErrUnknownReference signals an event that cannot be correlated to local state.
	ErrUnknownReference = errors.New("payments: unknown external reference")
)

// PGEventRepository implements EventRepository backed by PostgreSQL.
type PGEventRepository struct{}

func NewEventRepository() *PGEventRepository {
	return &PGEventRepository{}
}

// ReserveEvent attempts to claim the event id inside the active transaction.
func (r *PGEventRepository) ReserveEvent(ctx context.Context, tx pgx.Tx, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("payments: empty event id")
	}
	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, eventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("payments: reserve event: %w", err)
	}
	return nil
}

// RecordDeposit marks escrow funded and writes the deposit ledger row.
func (r *PGEventRepository) RecordDeposit(ctx context.Context, tx pgx.Tx, params DepositParams) (DepositResult, error) {
	var res DepositResult
	err := tx.QueryRow(ctx, `
		UPDATE contracts
		SET escrow_funded = TRUE, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING freelancer_id, title`, params.ContractID).
		Scan(&res.FreelancerID, &res.ContractTitle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DepositResult{}, fmt.Errorf("%w: contract %s", ErrUnknownReference, params.ContractID)
		}
		return DepositResult{}, fmt.Errorf("payments: mark escrow funded: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (contract_id, user_id, type, status, amount_cents, external_ref, completed_at)
		VALUES ($1, $2, 'deposit', 'completed', $3, $4, NOW())`,
		params.ContractID, nullable(params.ClientID), params.AmountCents, params.PaymentRef); err != nil {
		return DepositResult{}, fmt.Errorf("payments: insert deposit: %w", err)
	}

	if err := timeline.Append(ctx, tx, params.ContractID, "ESCROW_FUNDED", "", map[string]any{
		"amount_cents": params.AmountCents,
		"payment_ref":  params.PaymentRef,
	}); err != nil {
		return DepositResult{}, err
	}
	return res, nil
}

// RecordMilestoneDeposit applies a payment scoped to one milestone: the
// deposit lands in the ledger, the milestone moves to approved, and a
// release for payout minus the platform fee is queued for transfer.
func (r *PGEventRepository) RecordMilestoneDeposit(ctx context.Context, tx pgx.Tx, params MilestoneDepositParams) (MilestoneDepositResult, error) {
	var (
		res    MilestoneDepositResult
		status string
	)
	err := tx.QueryRow(ctx, `
		SELECT m.contract_id, m.title, m.status, c.freelancer_id
		FROM milestones m
		JOIN contracts c ON c.id = m.contract_id
		WHERE m.id = $1
		FOR UPDATE OF m, c`, params.MilestoneID).
		Scan(&res.ContractID, &res.MilestoneTitle, &status, &res.FreelancerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MilestoneDepositResult{}, fmt.Errorf("%w: milestone %s", ErrUnknownReference, params.MilestoneID)
		}
		return MilestoneDepositResult{}, fmt.Errorf("payments: load milestone: %w", err)
	}
	if status == "approved" || status == "paid" {
		res.AlreadyFunded = true
		return res, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE milestones
		SET status = 'approved', approved_at = NOW(), updated_at = NOW()
		WHERE id = $1`, params.MilestoneID); err != nil {
		return MilestoneDepositResult{}, fmt.Errorf("payments: approve milestone: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (contract_id, milestone_id, user_id, type, status, amount_cents, external_ref, completed_at)
		VALUES ($1, $2, $3, 'deposit', 'completed', $4, $5, NOW())`,
		res.ContractID, params.MilestoneID, nullable(params.ClientID),
		params.AmountCents, params.PaymentRef); err != nil {
		return MilestoneDepositResult{}, fmt.Errorf("payments: insert milestone deposit: %w", err)
	}

	payoutCents, feeCents := Split(params.AmountCents, params.FeePercent)
	var txnID string
	if err := tx.QueryRow(ctx, `
		INSERT INTO transactions (contract_id, milestone_id, user_id, type, status, amount_cents, fee_cents, payout_cents)
		VALUES ($1, $2, $3, 'release', 'pending', $4, $5, $6)
		RETURNING id`,
		res.ContractID, params.MilestoneID, res.FreelancerID,
		params.AmountCents, feeCents, payoutCents).Scan(&txnID); err != nil {
		return MilestoneDepositResult{}, fmt.Errorf("payments: insert milestone release: %w", err)
	}

	if err := timeline.Append(ctx, tx, res.ContractID, "MILESTONE_APPROVED", "", map[string]any{
		"milestone_id": params.MilestoneID,
		"payment_ref":  params.PaymentRef,
		"payout_cents": payoutCents,
		"fee_cents":    feeCents,
	}); err != nil {
		return MilestoneDepositResult{}, err
	}
	if err := timeline.Enqueue(ctx, tx, TopicReleaseRequested, map[string]any{
		"transaction_id": txnID,
		"contract_id":    res.ContractID,
		"milestone_id":   params.MilestoneID,
		"payout_cents":   payoutCents,
		"freelancer_id":  res.FreelancerID,
	}); err != nil {
		return MilestoneDepositResult{}, err
	}
	return res, nil
}

// MarkPaymentFailed records a failed charge. The contract itself does not
// regress; only the ledger row reflects the failure.
func (r *PGEventRepository) MarkPaymentFailed(ctx context.Context, tx pgx.Tx, paymentRef, reason string, metadata map[string]string) (string, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = 'failed'
		WHERE external_ref = $1 AND status <> 'completed'`, paymentRef)
	if err != nil {
		return "", fmt.Errorf("payments: mark failed: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// The charge failed before any ledger row existed; keep an audit row.
		contractID := metadata["contract_id"]
		if contractID == "" {
			return "", nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (contract_id, user_id, type, status, amount_cents, external_ref)
			VALUES ($1, $2, 'deposit', 'failed', 0, $3)`,
			contractID, nullable(metadata["client_id"]), paymentRef); err != nil {
			return "", fmt.Errorf("payments: insert failed deposit: %w", err)
		}
		if err := timeline.Append(ctx, tx, contractID, "PAYMENT_FAILED", "", map[string]any{
			"payment_ref": paymentRef,
			"reason":      reason,
		}); err != nil {
			return "", err
		}
	}
	return metadata["client_id"], nil
}

// MarkMilestonePaid completes the release: milestone approved -> paid, the
// release ledger row completes, and the contract auto-completes once every
// milestone is paid.
func (r *PGEventRepository) MarkMilestonePaid(ctx context.Context, tx pgx.Tx, milestoneID, transferRef string) (MilestonePaidResult, error) {
	var res MilestonePaidResult
	err := tx.QueryRow(ctx, `
		UPDATE milestones
		SET status = 'paid', released_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'approved'
		RETURNING contract_id, title`, milestoneID).
		Scan(&res.ContractID, &res.MilestoneTitle)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return MilestonePaidResult{}, fmt.Errorf("payments: mark milestone paid: %w", err)
		}
		var status string
		checkErr := tx.QueryRow(ctx, `SELECT status FROM milestones WHERE id = $1`, milestoneID).Scan(&status)
		if checkErr != nil {
			if errors.Is(checkErr, pgx.ErrNoRows) {
				return MilestonePaidResult{}, fmt.Errorf("%w: milestone %s", ErrUnknownReference, milestoneID)
			}
			return MilestonePaidResult{}, fmt.Errorf("payments: check milestone: %w", checkErr)
		}
		if status == "paid" {
			res.AlreadyPaid = true
			return res, nil
		}
		return MilestonePaidResult{}, fmt.Errorf("payments: milestone %s not releasable (status=%s)", milestoneID, status)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = 'completed', external_ref = $2, completed_at = NOW()
		WHERE milestone_id = $1 AND type = 'release' AND status IN ('pending','processing')`,
		milestoneID, transferRef); err != nil {
		return MilestonePaidResult{}, fmt.Errorf("payments: complete release row: %w", err)
	}

	if err := tx.QueryRow(ctx, `SELECT freelancer_id FROM contracts WHERE id = $1`, res.ContractID).
		Scan(&res.FreelancerID); err != nil {
		return MilestonePaidResult{}, fmt.Errorf("payments: load contract party: %w", err)
	}

	if err := timeline.Append(ctx, tx, res.ContractID, "MILESTONE_PAID", "", map[string]any{
		"milestone_id": milestoneID,
		"transfer_ref": transferRef,
	}); err != nil {
		return MilestonePaidResult{}, err
	}

	var remaining int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM milestones WHERE contract_id = $1 AND status <> 'paid'`,
		res.ContractID).Scan(&remaining); err != nil {
		return MilestonePaidResult{}, fmt.Errorf("payments: count open milestones: %w", err)
	}
	if remaining == 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE contracts
			SET status = 'completed', completed_at = NOW(), version = version + 1, updated_at = NOW()
			WHERE id = $1 AND status = 'active'`, res.ContractID)
		if err != nil {
			return MilestonePaidResult{}, fmt.Errorf("payments: auto-complete contract: %w", err)
		}
		if tag.RowsAffected() == 1 {
			res.ContractCompleted = true
			if err := timeline.Append(ctx, tx, res.ContractID, "CONTRACT_COMPLETED", "", map[string]any{
				"source": "all_milestones_paid",
			}); err != nil {
				return MilestonePaidResult{}, err
			}
		}
	}
	return res, nil
}

// CompleteReleaseTransaction finalizes a contract-level payout row.
func (r *PGEventRepository) CompleteReleaseTransaction(ctx context.Context, tx pgx.Tx, transactionID, transferRef string) (ReleaseResult, error) {
	var res ReleaseResult
	err := tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'completed', external_ref = $2, completed_at = NOW()
		WHERE id = $1 AND type = 'release' AND status IN ('pending','processing')
		RETURNING contract_id, user_id`, transactionID, transferRef).
		Scan(&res.ContractID, &res.FreelancerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReleaseResult{}, fmt.Errorf("%w: transaction %s", ErrUnknownReference, transactionID)
		}
		return ReleaseResult{}, fmt.Errorf("payments: complete release: %w", err)
	}
	if err := timeline.Append(ctx, tx, res.ContractID, "PAYOUT_SENT", "", map[string]any{
		"transaction_id": transactionID,
		"transfer_ref":   transferRef,
	}); err != nil {
		return ReleaseResult{}, err
	}
	return res, nil
}

// RecordRefund mirrors the original deposit with a refund ledger row.
func (r *PGEventRepository) RecordRefund(ctx context.Context, tx pgx.Tx, paymentRef string, amountCents int64) (RefundResult, error) {
	var (
		res     RefundResult
		payerID *string
	)
	err := tx.QueryRow(ctx, `
		SELECT contract_id, user_id
		FROM transactions
		WHERE external_ref = $1 AND type = 'deposit'
		ORDER BY created_at DESC
		LIMIT 1`, paymentRef).Scan(&res.ContractID, &payerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefundResult{}, fmt.Errorf("%w: payment %s", ErrUnknownReference, paymentRef)
		}
		return RefundResult{}, fmt.Errorf("payments: find original deposit: %w", err)
	}
	if payerID != nil {
		res.PayerID = *payerID
	}
	res.AmountCents = amountCents

	// A refund requested through the outbox already has a pending row;
	// complete it instead of inserting a second one.
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = 'completed', amount_cents = $2, completed_at = NOW()
		WHERE contract_id = $1 AND type = 'refund' AND status IN ('pending','processing')`,
		res.ContractID, amountCents)
	if err != nil {
		return RefundResult{}, fmt.Errorf("payments: complete refund row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (contract_id, user_id, type, status, amount_cents, external_ref, completed_at)
			VALUES ($1, $2, 'refund', 'completed', $3, $4, NOW())`,
			res.ContractID, payerID, amountCents, paymentRef); err != nil {
			return RefundResult{}, fmt.Errorf("payments: insert refund: %w", err)
		}
	}

	if err := timeline.Append(ctx, tx, res.ContractID, "CHARGE_REFUNDED", "", map[string]any{
		"payment_ref":  paymentRef,
		"amount_cents": amountCents,
	}); err != nil {
		return RefundResult{}, err
	}
	return res, nil
}

// SetPayoutEligibility flips the freelancer's payout flag from the
// processor's capability snapshot.
func (r *PGEventRepository) SetPayoutEligibility(ctx context.Context, tx pgx.Tx, accountID string, eligible bool) (EligibilityResult, error) {
	var res EligibilityResult
	var was bool
	err := tx.QueryRow(ctx, `
		SELECT id, payouts_enabled FROM users WHERE stripe_account_id = $1 FOR UPDATE`,
		accountID).Scan(&res.UserID, &was)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EligibilityResult{}, fmt.Errorf("%w: account %s", ErrUnknownReference, accountID)
		}
		return EligibilityResult{}, fmt.Errorf("payments: load payout account: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE users SET payouts_enabled = $2, updated_at = NOW() WHERE id = $1`,
		res.UserID, eligible); err != nil {
		return EligibilityResult{}, fmt.Errorf("payments: set payout eligibility: %w", err)
	}
	res.BecameEnabled = eligible && !was
	return res, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
