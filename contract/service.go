package contract

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"contractflow/auth"
	"contractflow/payments"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Notifier is the fire-and-forget notification sink. Failures are logged and
// never roll back the triggering state change.
type Notifier interface {
	Create(ctx context.Context, userID, kind, title, message, link string) error
}

// Service owns the contract lifecycle state machine.
type Service struct {
	pool       TxBeginner
	repo       Repository
	notifier   Notifier
	feePercent int
}

func NewService(pool TxBeginner, repo Repository, notifier Notifier, feePercent int) *Service {
	if feePercent <= 0 {
		feePercent = payments.DefaultFeePercent
	}
	return &Service{
		pool:       pool,
		repo:       repo,
		notifier:   notifier,
		feePercent: feePercent,
	}
}

// Get returns the contract if the actor is a party to it or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Actor, contractID string) (Contract, error) {
	c, err := s.repo.Find(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.PartyOf(actor.UserID) == "" && !actor.IsAdmin() {
		return Contract{}, ErrForbidden
	}
	return c, nil
}

// ListForActor returns the contracts the actor participates in.
func (s *Service) ListForActor(ctx context.Context, actor auth.Actor) ([]Contract, error) {
	return s.repo.ListForUser(ctx, actor.UserID)
}

// Sign records the actor's signature. The second signature atomically flips
// the contract to active in the same update.
func (s *Service) Sign(ctx context.Context, actor auth.Actor, contractID string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}

	party := c.PartyOf(actor.UserID)
	if party == "" {
		return Contract{}, ErrForbidden
	}
	if !CanTransition(c.Status, StatusActive) {
		return Contract{}, ErrInvalidState
	}
	switch party {
	case PartyClient:
		if c.ClientSignedAt != nil {
			return Contract{}, ErrAlreadySigned
		}
	case PartyFreelancer:
		if c.FreelancerSignedAt != nil {
			return Contract{}, ErrAlreadySigned
		}
	}

	activate := (party == PartyClient && c.FreelancerSignedAt != nil) ||
		(party == PartyFreelancer && c.ClientSignedAt != nil)

	updated, err := s.repo.SetSignature(ctx, tx, c.ID, party, activate)
	if err != nil {
		return Contract{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, c.ID, "CONTRACT_SIGNED", actor.UserID, map[string]any{
		"party":     string(party),
		"activated": activate,
	}); err != nil {
		return Contract{}, err
	}
	if activate {
		if err := s.repo.EnqueueOutbox(ctx, tx, "contract.activated", map[string]any{
			"contract_id":   c.ID,
			"client_id":     c.ClientID,
			"freelancer_id": c.FreelancerID,
		}); err != nil {
			return Contract{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit sign: %w", err)
	}

	title := "Contract signed"
	msg := fmt.Sprintf("The other party signed %q.", c.Title)
	if activate {
		title = "Contract is now active"
		msg = fmt.Sprintf("Both parties signed %q. Work can begin.", c.Title)
	}
	s.notifyBestEffort(ctx, c.CounterpartyID(actor.UserID), "contract:signed", title, msg, "/contracts/"+c.ID)

	return updated, nil
}

// SubmitCompletion lets the freelancer of a fixed-price contract request
// final approval. Milestone contracts complete through their milestones.
func (s *Service) SubmitCompletion(ctx context.Context, actor auth.Actor, contractID, note string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.PartyOf(actor.UserID) != PartyFreelancer {
		return Contract{}, ErrForbidden
	}
	if !CanTransition(c.Status, StatusPendingCompletion) || c.PaymentType != PaymentFixed {
		return Contract{}, ErrInvalidState
	}

	updated, err := s.repo.MarkPendingCompletion(ctx, tx, c.ID, note)
	if err != nil {
		return Contract{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, c.ID, "COMPLETION_SUBMITTED", actor.UserID, map[string]any{
		"note": note,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, "contract.completion_submitted", map[string]any{
		"contract_id": c.ID,
		"client_id":   c.ClientID,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit completion submit: %w", err)
	}

	s.notifyBestEffort(ctx, c.ClientID, "contract:completion_submitted",
		"Completion requested",
		fmt.Sprintf("The freelancer marked %q as complete. Review and approve to release payment.", c.Title),
		"/contracts/"+c.ID)

	return updated, nil
}

// ApproveCompletion is the client's approval of a submitted completion. It
// completes the contract and, when escrow is funded, requests release of the
// remaining funds minus the platform fee.
func (s *Service) ApproveCompletion(ctx context.Context, actor auth.Actor, contractID string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.PartyOf(actor.UserID) != PartyClient {
		return Contract{}, ErrForbidden
	}
	if c.Status != StatusPendingCompletion {
		return Contract{}, ErrInvalidState
	}

	updated, err := s.repo.MarkCompleted(ctx, tx, c.ID)
	if err != nil {
		return Contract{}, err
	}

	if c.EscrowFunded {
		amountCents := payments.Cents(c.TotalAmount)
		payout, fee := payments.Split(amountCents, s.feePercent)
		txnID, err := s.repo.InsertReleaseTransaction(ctx, tx, ReleaseTransactionParams{
			ContractID:  c.ID,
			AmountCents: amountCents,
			FeeCents:    fee,
			PayoutCents: payout,
			DestUserID:  c.FreelancerID,
		})
		if err != nil {
			return Contract{}, err
		}
		if err := s.repo.EnqueueOutbox(ctx, tx, payments.TopicReleaseRequested, map[string]any{
			"transaction_id": txnID,
			"contract_id":    c.ID,
			"payout_cents":   payout,
			"freelancer_id":  c.FreelancerID,
		}); err != nil {
			return Contract{}, err
		}
	}

	if err := s.repo.AppendTimeline(ctx, tx, c.ID, "CONTRACT_COMPLETED", actor.UserID, map[string]any{
		"escrow_funded": c.EscrowFunded,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, "contract.completed", map[string]any{
		"contract_id":   c.ID,
		"freelancer_id": c.FreelancerID,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit completion approve: %w", err)
	}

	s.notifyBestEffort(ctx, c.FreelancerID, "contract:completed",
		"Contract completed",
		fmt.Sprintf("%q was approved as complete. Your payout is on its way.", c.Title),
		"/contracts/"+c.ID)

	return updated, nil
}

// Cancel is a terminal admin action on a pending or active contract.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, contractID, reason string) (Contract, error) {
	if actor.Role != auth.RoleSuperAdmin {
		return Contract{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if !CanTransition(c.Status, StatusCancelled) {
		return Contract{}, ErrInvalidState
	}

	updated, err := s.repo.MarkCancelled(ctx, tx, c.ID, reason)
	if err != nil {
		return Contract{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, c.ID, "CONTRACT_CANCELLED", actor.UserID, map[string]any{
		"reason": reason,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, "contract.cancelled", map[string]any{
		"contract_id": c.ID,
		"reason":      reason,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit cancel: %w", err)
	}

	msg := fmt.Sprintf("Contract %q was cancelled by an administrator: %s", c.Title, reason)
	s.notifyBestEffort(ctx, c.ClientID, "contract:cancelled", "Contract cancelled", msg, "/contracts/"+c.ID)
	s.notifyBestEffort(ctx, c.FreelancerID, "contract:cancelled", "Contract cancelled", msg, "/contracts/"+c.ID)

	return updated, nil
}

// EditParams carries the full next state of the editable contract fields.
// ExpectedVersion, when non-zero, must match the stored version.
type EditParams struct {
	Title           string
	Description     string
	TotalAmount     float64
	PaymentType     PaymentType
	Milestones      []MilestoneInput
	ExpectedVersion int
}

// Edit replaces the editable fields while the contract is still editable,
// i.e. before the freelancer has signed. Only the client may edit.
func (s *Service) Edit(ctx context.Context, actor auth.Actor, contractID string, params EditParams) (Contract, error) {
	if err := validateEdit(params); err != nil {
		return Contract{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.PartyOf(actor.UserID) != PartyClient {
		return Contract{}, ErrForbidden
	}
	if Terminal(c.Status) {
		return Contract{}, ErrInvalidState
	}
	if !c.IsEditable || c.FreelancerSignedAt != nil {
		return Contract{}, ErrNotEditable
	}
	if params.ExpectedVersion != 0 && params.ExpectedVersion != c.Version {
		return Contract{}, ErrVersionConflict
	}

	prevMilestones, err := s.repo.ListMilestoneInputs(ctx, tx, c.ID)
	if err != nil {
		return Contract{}, err
	}
	prev := EditSnapshot{
		Title:       c.Title,
		Description: c.Description,
		TotalAmount: c.TotalAmount,
		PaymentType: c.PaymentType,
		Milestones:  prevMilestones,
	}
	next := EditSnapshot{
		Title:       params.Title,
		Description: params.Description,
		TotalAmount: params.TotalAmount,
		PaymentType: params.PaymentType,
		Milestones:  params.Milestones,
	}

	updated, err := s.repo.ApplyEdit(ctx, tx, c.ID, next)
	if err != nil {
		return Contract{}, err
	}
	if err := s.repo.MergeMilestones(ctx, tx, c.ID, params.Milestones); err != nil {
		return Contract{}, err
	}
	if err := s.repo.InsertEditEntry(ctx, tx, c.ID, actor.UserID, prev, next); err != nil {
		return Contract{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, c.ID, "CONTRACT_EDITED", actor.UserID, map[string]any{
		"previous_total": prev.TotalAmount,
		"next_total":     next.TotalAmount,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, "contract.edited", map[string]any{
		"contract_id": c.ID,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit edit: %w", err)
	}

	s.notifyBestEffort(ctx, c.FreelancerID, "contract:edited",
		"Contract updated",
		fmt.Sprintf("The terms of %q changed. Review before signing.", next.Title),
		"/contracts/"+c.ID)

	return updated, nil
}

func validateEdit(params EditParams) error {
	if params.Title == "" || params.TotalAmount <= 0 {
		return fmt.Errorf("contract: title and a positive total are required")
	}
	switch params.PaymentType {
	case PaymentFixed:
		if len(params.Milestones) > 0 {
			return fmt.Errorf("contract: fixed-price contracts cannot carry milestones")
		}
	case PaymentMilestone:
		if len(params.Milestones) == 0 {
			return ErrBadAmounts
		}
		var sum int64
		for _, m := range params.Milestones {
			if m.Amount <= 0 {
				return ErrBadAmounts
			}
			sum += payments.Cents(m.Amount)
		}
		if sum != payments.Cents(params.TotalAmount) {
			return ErrBadAmounts
		}
	default:
		return fmt.Errorf("contract: unknown payment type %q", params.PaymentType)
	}
	return nil
}

func (s *Service) notifyBestEffort(ctx context.Context, userID, kind, title, message, link string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Create(ctx, userID, kind, title, message, link); err != nil {
		log.Printf("contract: notify %s (%s): %v", userID, kind, err)
	}
}
