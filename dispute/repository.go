package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/timeline"
)

var (
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrForbidden signals the actor may not act on this dispute.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrInvalidState signals the operation is not legal from the current status.
	ErrInvalidState = errors.New("dispute: invalid state for operation")
	// ErrAlreadyOpen signals the contract already has an open dispute.
	ErrAlreadyOpen = errors.New("dispute: contract already has an open dispute")
	// ErrAlreadyResolved signals a resolution attempt on a closed dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrBadRefundAmount signals a partial refund outside (0, contract total).
	ErrBadRefundAmount = errors.New("dispute: refund amount out of range")
)

const disputeColumns = `
	id, contract_id, raised_by, type, reason, evidence, amount_disputed,
	status, admin_assigned, resolution_type, resolution_details,
	resolved_by, resolved_at, created_at, updated_at
`

// Repository defines the data access dispute resolution needs. Methods taking
// a pgx.Tx participate in the caller's transaction.
type Repository interface {
	Find(ctx context.Context, id string) (Dispute, error)
	ListOpen(ctx context.Context) ([]Dispute, error)
	ListByContract(ctx context.Context, contractID string) ([]Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	LockContract(ctx context.Context, tx pgx.Tx, contractID string) (ContractInfo, error)
	Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Dispute, error)
	SetAssignee(ctx context.Context, tx pgx.Tx, id, adminID string) (Dispute, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id string, res Resolution, details, adminID string) (Dispute, error)
	OpenRiskFlag(ctx context.Context, tx pgx.Tx, contractID, disputeID string) error
	CloseRiskFlag(ctx context.Context, tx pgx.Tx, disputeID string) error
	MarkContractCancelled(ctx context.Context, tx pgx.Tx, contractID, reason string) error
	MarkContractCompleted(ctx context.Context, tx pgx.Tx, contractID, note string) error
	ForceApproveMilestones(ctx context.Context, tx pgx.Tx, contractID string) ([]ReleasableMilestone, error)
	InsertReleaseTransaction(ctx context.Context, tx pgx.Tx, params ReleaseTransactionParams) (string, error)
	InsertRefundTransaction(ctx context.Context, tx pgx.Tx, contractID, payerID string, amountCents int64) (string, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, contractID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// OpenParams describe a new dispute.
type OpenParams struct {
	ContractID     string
	RaisedBy       string
	Type           Type
	Reason         string
	Evidence       string
	AmountDisputed *float64
}

// ReleaseTransactionParams describe a pending payout ledger row queued by a resolution.
type ReleaseTransactionParams struct {
	ContractID  string
	MilestoneID *string
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

func (r *PGRepository) Find(ctx context.Context, id string) (Dispute, error) {
	d, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: find: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListOpen(ctx context.Context) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'open'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	return collectDisputes(rows)
}

func (r *PGRepository) ListByContract(ctx context.Context, contractID string) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE contract_id = $1
		ORDER BY created_at DESC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list for contract: %w", err)
	}
	return collectDisputes(rows)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return d, nil
}

func (r *PGRepository) LockContract(ctx context.Context, tx pgx.Tx, contractID string) (ContractInfo, error) {
	var c ContractInfo
	err := tx.QueryRow(ctx, `
		SELECT id, client_id, freelancer_id, title, status, payment_type, total_amount, escrow_funded
		FROM contracts WHERE id = $1 FOR UPDATE`, contractID).
		Scan(&c.ID, &c.ClientID, &c.FreelancerID, &c.Title, &c.Status, &c.PaymentType, &c.TotalAmount, &c.EscrowFunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContractInfo{}, ErrNotFound
		}
		return ContractInfo{}, fmt.Errorf("dispute: lock contract: %w", err)
	}
	return c, nil
}

// Insert creates the dispute. A partial unique index on open disputes per
// contract turns a concurrent double-open into ErrAlreadyOpen.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `
		INSERT INTO disputes (contract_id, raised_by, type, reason, evidence, amount_disputed, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, 'open')
		RETURNING `+disputeColumns,
		params.ContractID, params.RaisedBy, params.Type, params.Reason, params.Evidence, params.AmountDisputed))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrAlreadyOpen
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return d, nil
}

func (r *PGRepository) SetAssignee(ctx context.Context, tx pgx.Tx, id, adminID string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `
		UPDATE disputes
		SET admin_assigned = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+disputeColumns, id, adminID))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: assign: %w", err)
	}
	return d, nil
}

func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, id string, res Resolution, details, adminID string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'resolved', resolution_type = $2, resolution_details = NULLIF($3, ''),
		    resolved_by = $4, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+disputeColumns, id, res, details, adminID))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return d, nil
}

func (r *PGRepository) OpenRiskFlag(ctx context.Context, tx pgx.Tx, contractID, disputeID string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO risk_flags (contract_id, dispute_id, kind, status)
		VALUES ($1, $2, 'dispute', 'open')`, contractID, disputeID); err != nil {
		return fmt.Errorf("dispute: open risk flag: %w", err)
	}
	return nil
}

func (r *PGRepository) CloseRiskFlag(ctx context.Context, tx pgx.Tx, disputeID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE risk_flags
		SET status = 'closed', closed_at = NOW()
		WHERE dispute_id = $1 AND status = 'open'`, disputeID); err != nil {
		return fmt.Errorf("dispute: close risk flag: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkContractCancelled(ctx context.Context, tx pgx.Tx, contractID, reason string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE contracts
		SET status = 'cancelled', cancelled_at = NOW(), cancellation_reason = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1`, contractID, reason); err != nil {
		return fmt.Errorf("dispute: cancel contract: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkContractCompleted(ctx context.Context, tx pgx.Tx, contractID, note string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE contracts
		SET status = 'completed', completed_at = NOW(), completion_note = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1`, contractID, note); err != nil {
		return fmt.Errorf("dispute: complete contract: %w", err)
	}
	return nil
}

// ForceApproveMilestones approves every milestone that is neither paid nor
// already approved and returns them. Milestones a client approved earlier
// already have payouts in flight and are not returned twice.
func (r *PGRepository) ForceApproveMilestones(ctx context.Context, tx pgx.Tx, contractID string) ([]ReleasableMilestone, error) {
	rows, err := tx.Query(ctx, `
		UPDATE milestones
		SET status = 'approved', approved_at = NOW(), updated_at = NOW()
		WHERE contract_id = $1 AND status NOT IN ('approved', 'paid')
		RETURNING id, title, amount`, contractID)
	if err != nil {
		return nil, fmt.Errorf("dispute: force approve milestones: %w", err)
	}
	defer rows.Close()

	out := make([]ReleasableMilestone, 0, 4)
	for rows.Next() {
		var m ReleasableMilestone
		if err := rows.Scan(&m.ID, &m.Title, &m.Amount); err != nil {
			return nil, fmt.Errorf("dispute: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PGRepository) InsertReleaseTransaction(ctx context.Context, tx pgx.Tx, params ReleaseTransactionParams) (string, error) {
	var id string
	if err := tx.QueryRow(ctx, `
		INSERT INTO transactions (contract_id, milestone_id, user_id, type, status, amount_cents, fee_cents, payout_cents)
		VALUES ($1, $2, $3, 'release', 'pending', $4, $5, $6)
		RETURNING id`,
		params.ContractID, params.MilestoneID, params.DestUserID,
		params.AmountCents, params.FeeCents, params.PayoutCents).Scan(&id); err != nil {
		return "", fmt.Errorf("dispute: insert release transaction: %w", err)
	}
	return id, nil
}

func (r *PGRepository) InsertRefundTransaction(ctx context.Context, tx pgx.Tx, contractID, payerID string, amountCents int64) (string, error) {
	var id string
	if err := tx.QueryRow(ctx, `
		INSERT INTO transactions (contract_id, user_id, type, status, amount_cents)
		VALUES ($1, $2, 'refund', 'pending', $3)
		RETURNING id`, contractID, payerID, amountCents).Scan(&id); err != nil {
		return "", fmt.Errorf("dispute: insert refund transaction: %w", err)
	}
	return id, nil
}

func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, contractID, eventType, actorID string, payload map[string]any) error {
	return timeline.Append(ctx, tx, contractID, eventType, actorID, payload)
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return timeline.Enqueue(ctx, tx, topic, payload)
}

func collectDisputes(rows pgx.Rows) ([]Dispute, error) {
	defer rows.Close()
	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.ContractID,
		&d.RaisedBy,
		&d.Type,
		&d.Reason,
		&d.Evidence,
		&d.AmountDisputed,
		&d.Status,
		&d.AdminAssigned,
		&d.ResolutionType,
		&d.ResolutionDetails,
		&d.ResolvedBy,
		&d.ResolvedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
