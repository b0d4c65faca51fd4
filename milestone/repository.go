package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/timeline"
)

var (
	// ErrNotFound is returned when no milestone row exists for the identifier.
	ErrNotFound = errors.New("milestone: not found")
	// ErrForbidden signals the actor is not the right party for the operation.
	ErrForbidden = errors.New("milestone: forbidden")
	// ErrInvalidState signals the operation is not legal from the current status.
	ErrInvalidState = errors.New("milestone: invalid state for operation")
	// ErrEscrowNotFunded signals an approval before the client funded escrow.
	ErrEscrowNotFunded = errors.New("milestone: escrow not funded")
)

const milestoneColumns = `
	id, contract_id, title, amount, deadline, sort_order, status,
	submission_note, rejection_feedback, submitted_at, approved_at, released_at,
	created_at, updated_at
`

// Repository defines the data access the milestone flow needs. Methods taking
// a pgx.Tx participate in the caller's transaction.
type Repository interface {
	ListByContract(ctx context.Context, contractID string) ([]Milestone, error)
	FindContract(ctx context.Context, contractID string) (ContractInfo, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	LockContract(ctx context.Context, tx pgx.Tx, contractID string) (ContractInfo, error)
	SetStarted(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	SetSubmitted(ctx context.Context, tx pgx.Tx, id, note string) (Milestone, error)
	SetApproved(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	SetRejected(ctx context.Context, tx pgx.Tx, id, feedback string) (Milestone, error)
	InsertReleaseTransaction(ctx context.Context, tx pgx.Tx, params ReleaseTransactionParams) (string, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, contractID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// ReleaseTransactionParams describe a pending payout ledger row for one milestone.
type ReleaseTransactionParams struct {
	ContractID  string
	MilestoneID string
	AmountCents int64
	FeeCents    int64
	PayoutCents int64
	DestUserID  string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) ListByContract(ctx context.Context, contractID string) ([]Milestone, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE contract_id = $1
		ORDER BY sort_order`, contractID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 4)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PGRepository) FindContract(ctx context.Context, contractID string) (ContractInfo, error) {
	return scanContractInfo(r.pool.QueryRow(ctx, `
		SELECT id, client_id, freelancer_id, title, status, escrow_funded
		FROM contracts WHERE id = $1`, contractID))
}

// GetForUpdate loads the milestone row holding a row lock for the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	m, err := scanMilestone(tx.QueryRow(ctx, `
		SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: lock row: %w", err)
	}
	return m, nil
}

func (r *PGRepository) LockContract(ctx context.Context, tx pgx.Tx, contractID string) (ContractInfo, error) {
	return scanContractInfo(tx.QueryRow(ctx, `
		SELECT id, client_id, freelancer_id, title, status, escrow_funded
		FROM contracts WHERE id = $1 FOR UPDATE`, contractID))
}

func (r *PGRepository) SetStarted(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	return r.update(ctx, tx, `
		UPDATE milestones
		SET status = 'in_progress', updated_at = NOW()
		WHERE id = $1
		RETURNING `+milestoneColumns, id)
}

func (r *PGRepository) SetSubmitted(ctx context.Context, tx pgx.Tx, id, note string) (Milestone, error) {
	return r.update(ctx, tx, `
		UPDATE milestones
		SET status = 'submitted', submission_note = $2, submitted_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+milestoneColumns, id, note)
}

func (r *PGRepository) SetApproved(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	return r.update(ctx, tx, `
		UPDATE milestones
		SET status = 'approved', approved_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+milestoneColumns, id)
}

func (r *PGRepository) SetRejected(ctx context.Context, tx pgx.Tx, id, feedback string) (Milestone, error) {
	return r.update(ctx, tx, `
		UPDATE milestones
		SET status = 'rejected', rejection_feedback = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+milestoneColumns, id, feedback)
}

func (r *PGRepository) InsertReleaseTransaction(ctx context.Context, tx pgx.Tx, params ReleaseTransactionParams) (string, error) {
	var id string
	if err := tx.QueryRow(ctx, `
		INSERT INTO transactions (contract_id, milestone_id, user_id, type, status, amount_cents, fee_cents, payout_cents)
		VALUES ($1, $2, $3, 'release', 'pending', $4, $5, $6)
		RETURNING id`,
		params.ContractID, params.MilestoneID, params.DestUserID,
		params.AmountCents, params.FeeCents, params.PayoutCents).Scan(&id); err != nil {
		return "", fmt.Errorf("milestone: insert release transaction: %w", err)
	}
	return id, nil
}

func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, contractID, eventType, actorID string, payload map[string]any) error {
	return timeline.Append(ctx, tx, contractID, eventType, actorID, payload)
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return timeline.Enqueue(ctx, tx, topic, payload)
}

func (r *PGRepository) update(ctx context.Context, tx pgx.Tx, query string, args ...any) (Milestone, error) {
	m, err := scanMilestone(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: update: %w", err)
	}
	return m, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID,
		&m.ContractID,
		&m.Title,
		&m.Amount,
		&m.Deadline,
		&m.Order,
		&m.Status,
		&m.SubmissionNote,
		&m.RejectionFeedback,
		&m.SubmittedAt,
		&m.ApprovedAt,
		&m.ReleasedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}
	return m, nil
}

func scanContractInfo(row pgx.Row) (ContractInfo, error) {
	var c ContractInfo
	err := row.Scan(&c.ID, &c.ClientID, &c.FreelancerID, &c.Title, &c.Status, &c.EscrowFunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContractInfo{}, ErrNotFound
		}
		return ContractInfo{}, fmt.Errorf("milestone: load contract: %w", err)
	}
	return c, nil
}
