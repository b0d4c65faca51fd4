package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/timeline"
)

var (
	// ErrNotFound is returned when no contract row exists for the identifier.
	ErrNotFound = errors.New("contract: not found")
	// ErrForbidden signals the actor is not the right party for the operation.
	ErrForbidden = errors.New("contract: forbidden")
	// ErrInvalidState signals the requested transition is not legal from the current status.
	ErrInvalidState = errors.New("contract: invalid state for transition")
	// ErrAlreadySigned signals a harmless duplicate signature by the same party.
	ErrAlreadySigned = errors.New("contract: already signed by this party")
	// ErrNotEditable signals an edit attempt after the freelancer signed.
	ErrNotEditable = errors.New("contract: no longer editable")
	// ErrVersionConflict signals a stale optimistic-concurrency version.
	ErrVersionConflict = errors.New("contract: version conflict")
	// ErrBadAmounts signals milestone amounts that do not sum to the contract total.
	ErrBadAmounts = errors.New("contract: milestone amounts must sum to contract total")
)

const contractColumns = `
	id, client_id, freelancer_id, title, description, total_amount, payment_type,
	status, client_signed_at, freelancer_signed_at, is_editable, escrow_funded,
	completed_at, completion_note, cancelled_at, cancellation_reason,
	version, created_at, last_edited_at, updated_at
`

// Repository defines the data access the lifecycle service needs. Methods
// taking a pgx.Tx participate in the caller's transaction.
type Repository interface {
	Find(ctx context.Context, id string) (Contract, error)
	ListForUser(ctx context.Context, userID string) ([]Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	SetSignature(ctx context.Context, tx pgx.Tx, id string, party Party, activate bool) (Contract, error)
	MarkPendingCompletion(ctx context.Context, tx pgx.Tx, id, note string) (Contract, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id, reason string) (Contract, error)
	ApplyEdit(ctx context.Context, tx pgx.Tx, id string, next EditSnapshot) (Contract, error)
	ListMilestoneInputs(ctx context.Context, tx pgx.Tx, contractID string) ([]MilestoneInput, error)
	MergeMilestones(ctx context.Context, tx pgx.Tx, contractID string, inputs []MilestoneInput) error
	InsertEditEntry(ctx context.Context, tx pgx.Tx, contractID, editedBy string, prev, next EditSnapshot) error
	InsertReleaseTransaction(ctx context.Context, tx pgx.Tx, params ReleaseTransactionParams) (string, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, contractID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// ReleaseTransactionParams describe a pending payout ledger row.
type ReleaseTransactionParams struct {
	ContractID   string
	MilestoneID  *string
	AmountCents  int64
	FeeCents     int64
	PayoutCents  int64
	DestUserID   string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Find(ctx context.Context, id string) (Contract, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: find: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, userID string) ([]Contract, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	out := make([]Contract, 0, 8)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate: %w", err)
	}
	return out, nil
}

// GetForUpdate loads the contract row holding a row lock for the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	row := tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, id)
	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: lock row: %w", err)
	}
	return c, nil
}

// SetSignature stamps the party's signature. When activate is true the second
// signature and the status flip to active happen in the same update, so there
// is no intermediate single-signed-active state.
func (r *PGRepository) SetSignature(ctx context.Context, tx pgx.Tx, id string, party Party, activate bool) (Contract, error) {
	column := "client_signed_at"
	if party == PartyFreelancer {
		column = "freelancer_signed_at"
	}

	query := `
		UPDATE contracts
		SET ` + column + ` = NOW(), version = version + 1, updated_at = NOW()`
	if party == PartyFreelancer {
		query += `, is_editable = FALSE`
	}
	if activate {
		query += `, status = 'active'`
	}
	query += ` WHERE id = $1 RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, query, id))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: set signature: %w", err)
	}
	return c, nil
}

func (r *PGRepository) MarkPendingCompletion(ctx context.Context, tx pgx.Tx, id, note string) (Contract, error) {
	c, err := scanContract(tx.QueryRow(ctx, `
		UPDATE contracts
		SET status = 'pending_completion', completion_note = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+contractColumns, id, note))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: mark pending completion: %w", err)
	}
	return c, nil
}

func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	c, err := scanContract(tx.QueryRow(ctx, `
		UPDATE contracts
		SET status = 'completed', completed_at = NOW(),
		    version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+contractColumns, id))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: mark completed: %w", err)
	}
	return c, nil
}

func (r *PGRepository) MarkCancelled(ctx context.Context, tx pgx.Tx, id, reason string) (Contract, error) {
	c, err := scanContract(tx.QueryRow(ctx, `
		UPDATE contracts
		SET status = 'cancelled', cancelled_at = NOW(), cancellation_reason = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+contractColumns, id, reason))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: mark cancelled: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ApplyEdit(ctx context.Context, tx pgx.Tx, id string, next EditSnapshot) (Contract, error) {
	c, err := scanContract(tx.QueryRow(ctx, `
		UPDATE contracts
		SET title = $2, description = $3, total_amount = $4, payment_type = $5,
		    last_edited_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+contractColumns,
		id, next.Title, next.Description, next.TotalAmount, next.PaymentType))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: apply edit: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListMilestoneInputs(ctx context.Context, tx pgx.Tx, contractID string) ([]MilestoneInput, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, title, amount, deadline, sort_order
		FROM milestones
		WHERE contract_id = $1
		ORDER BY sort_order`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]MilestoneInput, 0, 4)
	for rows.Next() {
		var m MilestoneInput
		if err := rows.Scan(&m.ID, &m.Title, &m.Amount, &m.Deadline, &m.Order); err != nil {
			return nil, fmt.Errorf("contract: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MergeMilestones reconciles the stored milestones with the edited set.
// Inputs carrying a known id are updated in place so the milestone keeps its
// identity and history; unknown ids are inserted; rows absent from the input
// are deleted.
func (r *PGRepository) MergeMilestones(ctx context.Context, tx pgx.Tx, contractID string, inputs []MilestoneInput) error {
	keep := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.ID != "" {
			tag, err := tx.Exec(ctx, `
				UPDATE milestones
				SET title = $3, amount = $4, deadline = $5, sort_order = $6, updated_at = NOW()
				WHERE id = $1 AND contract_id = $2`,
				in.ID, contractID, in.Title, in.Amount, in.Deadline, in.Order)
			if err != nil {
				return fmt.Errorf("contract: update milestone: %w", err)
			}
			if tag.RowsAffected() == 1 {
				keep = append(keep, in.ID)
				continue
			}
			// Unknown id supplied by the caller; fall through to insert a fresh row.
		}
		var newID string
		if err := tx.QueryRow(ctx, `
			INSERT INTO milestones (contract_id, title, amount, deadline, sort_order, status)
			VALUES ($1, $2, $3, $4, $5, 'pending')
			RETURNING id`,
			contractID, in.Title, in.Amount, in.Deadline, in.Order).Scan(&newID); err != nil {
			return fmt.Errorf("contract: insert milestone: %w", err)
		}
		keep = append(keep, newID)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM milestones
		WHERE contract_id = $1 AND NOT (id = ANY($2::uuid[]))`, contractID, keep); err != nil {
		return fmt.Errorf("contract: prune milestones: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertEditEntry(ctx context.Context, tx pgx.Tx, contractID, editedBy string, prev, next EditSnapshot) error {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return fmt.Errorf("contract: marshal previous snapshot: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("contract: marshal next snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO contract_edits (contract_id, edited_by, previous, next)
		VALUES ($1, $2, $3::jsonb, $4::jsonb)`,
		contractID, editedBy, prevJSON, nextJSON); err != nil {
		return fmt.Errorf("contract: insert edit entry: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertReleaseTransaction(ctx context.Context, tx pgx.Tx, params ReleaseTransactionParams) (string, error) {
	var id string
	if err := tx.QueryRow(ctx, `
		INSERT INTO transactions (contract_id, milestone_id, user_id, type, status, amount_cents, fee_cents, payout_cents)
		VALUES ($1, $2, $3, 'release', 'pending', $4, $5, $6)
		RETURNING id`,
		params.ContractID, params.MilestoneID, params.DestUserID,
		params.AmountCents, params.FeeCents, params.PayoutCents).Scan(&id); err != nil {
		return "", fmt.Errorf("contract: insert release transaction: %w", err)
	}
	return id, nil
}

func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, contractID, eventType, actorID string, payload map[string]any) error {
	return timeline.Append(ctx, tx, contractID, eventType, actorID, payload)
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return timeline.Enqueue(ctx, tx, topic, payload)
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID,
		&c.ClientID,
		&c.FreelancerID,
		&c.Title,
		&c.Description,
		&c.TotalAmount,
		&c.PaymentType,
		&c.Status,
		&c.ClientSignedAt,
		&c.FreelancerSignedAt,
		&c.IsEditable,
		&c.EscrowFunded,
		&c.CompletedAt,
		&c.CompletionNote,
		&c.CancelledAt,
		&c.CancellationReason,
		&c.Version,
		&c.CreatedAt,
		&c.LastEditedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	return c, nil
}
