package milestone

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"

	"contractflow/auth"
	"contractflow/payments"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Notifier is the fire-and-forget notification sink.
type Notifier interface {
	Create(ctx context.Context, userID, kind, title, message, link string) error
}

// Service drives the milestone delivery flow: the freelancer submits work,
// the client approves or rejects it, and an approval queues the payout.
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
	return &Service{pool: pool, repo: repo, notifier: notifier, feePercent: feePercent}
}

// ListByContract returns the contract's milestones to one of its parties or an admin.
func (s *Service) ListByContract(ctx context.Context, actor auth.Actor, contractID string) ([]Milestone, error) {
	info, err := s.repo.FindContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.UserID != info.ClientID && actor.UserID != info.FreelancerID {
		return nil, ErrForbidden
	}
	return s.repo.ListByContract(ctx, contractID)
}

// Start marks a pending milestone as in progress.
func (s *Service) Start(ctx context.Context, actor auth.Actor, milestoneID string) (Milestone, error) {
	var out Milestone
	err := s.inTx(ctx, milestoneID, func(tx pgx.Tx, m Milestone, info ContractInfo) error {
		if actor.UserID != info.FreelancerID {
			return ErrForbidden
		}
		if info.Status != "active" || m.Status != StatusPending {
			return ErrInvalidState
		}
		updated, err := s.repo.SetStarted(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		out = updated
		return s.repo.AppendTimeline(ctx, tx, info.ID, "MILESTONE_STARTED", actor.UserID, map[string]any{
			"milestone_id": m.ID,
		})
	})
	return out, err
}

// Submit records the freelancer's delivery and hands the milestone to the
// client for review. Rejected milestones can be resubmitted.
func (s *Service) Submit(ctx context.Context, actor auth.Actor, milestoneID, note string) (Milestone, error) {
	if strings.TrimSpace(note) == "" {
		return Milestone{}, fmt.Errorf("%w: submission note is required", ErrInvalidState)
	}

	var (
		out      Milestone
		clientID string
		title    string
	)
	err := s.inTx(ctx, milestoneID, func(tx pgx.Tx, m Milestone, info ContractInfo) error {
		if actor.UserID != info.FreelancerID {
			return ErrForbidden
		}
		if info.Status != "active" || !m.Submittable() {
			return ErrInvalidState
		}
		updated, err := s.repo.SetSubmitted(ctx, tx, m.ID, note)
		if err != nil {
			return err
		}
		out, clientID, title = updated, info.ClientID, updated.Title
		return s.repo.AppendTimeline(ctx, tx, info.ID, "MILESTONE_SUBMITTED", actor.UserID, map[string]any{
			"milestone_id": m.ID,
		})
	})
	if err != nil {
		return Milestone{}, err
	}

	s.notifyBestEffort(ctx, clientID, "milestone:submitted",
		"Milestone submitted",
		fmt.Sprintf("Work for milestone %q is ready for your review.", title),
		"/contracts/"+out.ContractID)
	return out, nil
}

// Approve accepts the submitted work and queues the payout for the milestone
// amount. Funds move asynchronously; the milestone reaches paid only when the
// processor confirms the transfer.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, milestoneID string) (Milestone, error) {
	var (
		out          Milestone
		freelancerID string
		title        string
	)
	err := s.inTx(ctx, milestoneID, func(tx pgx.Tx, m Milestone, info ContractInfo) error {
		if actor.UserID != info.ClientID {
			return ErrForbidden
		}
		if info.Status != "active" || m.Status != StatusSubmitted {
			return ErrInvalidState
		}
		if !info.EscrowFunded {
			return ErrEscrowNotFunded
		}

		updated, err := s.repo.SetApproved(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		out, freelancerID, title = updated, info.FreelancerID, updated.Title

		amountCents := payments.Cents(m.Amount)
		payoutCents, feeCents := payments.Split(amountCents, s.feePercent)
		txnID, err := s.repo.InsertReleaseTransaction(ctx, tx, ReleaseTransactionParams{
			ContractID:  info.ID,
			MilestoneID: m.ID,
			AmountCents: amountCents,
			FeeCents:    feeCents,
			PayoutCents: payoutCents,
			DestUserID:  info.FreelancerID,
		})
		if err != nil {
			return err
		}

		if err := s.repo.AppendTimeline(ctx, tx, info.ID, "MILESTONE_APPROVED", actor.UserID, map[string]any{
			"milestone_id": m.ID,
			"payout_cents": payoutCents,
			"fee_cents":    feeCents,
		}); err != nil {
			return err
		}
		return s.repo.EnqueueOutbox(ctx, tx, payments.TopicReleaseRequested, map[string]any{
			"transaction_id": txnID,
			"contract_id":    info.ID,
			"milestone_id":   m.ID,
			"payout_cents":   payoutCents,
			"freelancer_id":  info.FreelancerID,
		})
	})
	if err != nil {
		return Milestone{}, err
	}

	s.notifyBestEffort(ctx, freelancerID, "milestone:approved",
		"Milestone approved",
		fmt.Sprintf("Milestone %q was approved. Your payout is on its way.", title),
		"/contracts/"+out.ContractID)
	return out, nil
}

// Reject sends the submitted work back with feedback for rework.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, milestoneID, feedback string) (Milestone, error) {
	if strings.TrimSpace(feedback) == "" {
		return Milestone{}, fmt.Errorf("%w: rejection feedback is required", ErrInvalidState)
	}

	var (
		out          Milestone
		freelancerID string
		title        string
	)
	err := s.inTx(ctx, milestoneID, func(tx pgx.Tx, m Milestone, info ContractInfo) error {
		if actor.UserID != info.ClientID {
			return ErrForbidden
		}
		if info.Status != "active" || m.Status != StatusSubmitted {
			return ErrInvalidState
		}
		updated, err := s.repo.SetRejected(ctx, tx, m.ID, feedback)
		if err != nil {
			return err
		}
		out, freelancerID, title = updated, info.FreelancerID, updated.Title
		return s.repo.AppendTimeline(ctx, tx, info.ID, "MILESTONE_REJECTED", actor.UserID, map[string]any{
			"milestone_id": m.ID,
		})
	})
	if err != nil {
		return Milestone{}, err
	}

	s.notifyBestEffort(ctx, freelancerID, "milestone:rejected",
		"Milestone needs changes",
		fmt.Sprintf("The client requested changes on milestone %q.", title),
		"/contracts/"+out.ContractID)
	return out, nil
}

// inTx runs fn with the milestone and its contract locked, in that order.
// The payment bridge touches the same rows milestone-first, so every writer
// acquires locks in the same order.
func (s *Service) inTx(ctx context.Context, milestoneID string, fn func(tx pgx.Tx, m Milestone, info ContractInfo) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.GetForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	info, err := s.repo.LockContract(ctx, tx, m.ContractID)
	if err != nil {
		return err
	}
	if err := fn(tx, m, info); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("milestone: commit: %w", err)
	}
	return nil
}

func (s *Service) notifyBestEffort(ctx context.Context, userID, kind, title, message, link string) {
	if s.notifier == nil || userID == "" {
		return
	}
	if err := s.notifier.Create(ctx, userID, kind, title, message, link); err != nil {
		log.Printf("milestone: notify %s (%s): %v", userID, kind, err)
	}
}
