package dispute

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

// Service handles the dispute lifecycle. Either party can open a dispute;
// only platform admins resolve them, and every resolution settles the money
// through the ledger rather than touching balances directly.
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

// Get returns the dispute to one of the contract parties or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (Dispute, error) {
	d, err := s.repo.Find(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if actor.IsAdmin() {
		return d, nil
	}
	info, err := s.findContract(ctx, d.ContractID)
	if err != nil {
		return Dispute{}, err
	}
	if actor.UserID != info.ClientID && actor.UserID != info.FreelancerID {
		return Dispute{}, ErrForbidden
	}
	return d, nil
}

// ListOpen returns the admin review queue, oldest first.
func (s *Service) ListOpen(ctx context.Context, actor auth.Actor) ([]Dispute, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.repo.ListOpen(ctx)
}

// Open raises a dispute on a contract. Drafts have no money at stake and
// cancelled contracts are settled, so neither can be disputed.
func (s *Service) Open(ctx context.Context, actor auth.Actor, params OpenParams) (Dispute, error) {
	if strings.TrimSpace(params.Reason) == "" {
		return Dispute{}, fmt.Errorf("%w: reason is required", ErrInvalidState)
	}
	if !validType(params.Type) {
		return Dispute{}, fmt.Errorf("%w: unknown dispute type %q", ErrInvalidState, params.Type)
	}

	var (
		out          Dispute
		counterparty string
		title        string
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		info, err := s.repo.LockContract(ctx, tx, params.ContractID)
		if err != nil {
			return err
		}
		if actor.UserID != info.ClientID && actor.UserID != info.FreelancerID {
			return ErrForbidden
		}
		if info.Status == "draft" || info.Status == "cancelled" {
			return ErrInvalidState
		}

		params.RaisedBy = actor.UserID
		d, err := s.repo.Insert(ctx, tx, params)
		if err != nil {
			return err
		}
		if err := s.repo.OpenRiskFlag(ctx, tx, info.ID, d.ID); err != nil {
			return err
		}
		if err := s.repo.AppendTimeline(ctx, tx, info.ID, "DISPUTE_OPENED", actor.UserID, map[string]any{
			"dispute_id": d.ID,
			"type":       d.Type,
		}); err != nil {
			return err
		}
		if err := s.repo.EnqueueOutbox(ctx, tx, "dispute.opened", map[string]any{
			"dispute_id":  d.ID,
			"contract_id": info.ID,
			"type":        d.Type,
		}); err != nil {
			return err
		}
		out, counterparty, title = d, info.CounterpartyID(actor.UserID), info.Title
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}

	s.notifyBestEffort(ctx, counterparty, "dispute:opened",
		"Dispute opened",
		fmt.Sprintf("A dispute was opened on %q. An admin will review it.", title),
		"/disputes/"+out.ID)
	return out, nil
}

// Assign puts an admin on the case.
func (s *Service) Assign(ctx context.Context, actor auth.Actor, disputeID, adminID string) (Dispute, error) {
	if !actor.IsAdmin() {
		return Dispute{}, ErrForbidden
	}
	if adminID == "" {
		adminID = actor.UserID
	}

	var out Dispute
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != StatusOpen {
			return ErrAlreadyResolved
		}
		updated, err := s.repo.SetAssignee(ctx, tx, disputeID, adminID)
		if err != nil {
			return err
		}
		out = updated
		return s.repo.AppendTimeline(ctx, tx, d.ContractID, "DISPUTE_ASSIGNED", actor.UserID, map[string]any{
			"dispute_id": d.ID,
			"admin_id":   adminID,
		})
	})
	return out, err
}

// ResolveParams describe the admin's verdict. RefundAmount is required for
// partial refunds and ignored otherwise.
type ResolveParams struct {
	Resolution   Resolution
	Details      string
	RefundAmount float64
}

// Resolve closes the dispute and settles the escrow according to the verdict.
// Money moves asynchronously through the outbox; the resolution transaction
// only records what should happen.
func (s *Service) Resolve(ctx context.Context, actor auth.Actor, disputeID string, params ResolveParams) (Dispute, error) {
	if !actor.IsAdmin() {
		return Dispute{}, ErrForbidden
	}

	var (
		out  Dispute
		info ContractInfo
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != StatusOpen {
			return ErrAlreadyResolved
		}
		info, err = s.repo.LockContract(ctx, tx, d.ContractID)
		if err != nil {
			return err
		}

		switch params.Resolution {
		case ResolutionFullRefund:
			if err := s.settleFullRefund(ctx, tx, info); err != nil {
				return err
			}
		case ResolutionPaymentReleased:
			if err := s.settlePaymentReleased(ctx, tx, info); err != nil {
				return err
			}
		case ResolutionPartialRefund:
			if err := s.settlePartialRefund(ctx, tx, info, params.RefundAmount); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown resolution %q", ErrInvalidState, params.Resolution)
		}

		resolved, err := s.repo.MarkResolved(ctx, tx, disputeID, params.Resolution, params.Details, actor.UserID)
		if err != nil {
			return err
		}
		if err := s.repo.CloseRiskFlag(ctx, tx, disputeID); err != nil {
			return err
		}
		if err := s.repo.AppendTimeline(ctx, tx, info.ID, "DISPUTE_RESOLVED", actor.UserID, map[string]any{
			"dispute_id": disputeID,
			"resolution": params.Resolution,
		}); err != nil {
			return err
		}
		out = resolved
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}

	msg := fmt.Sprintf("The dispute on %q was resolved: %s.", info.Title, params.Resolution)
	s.notifyBestEffort(ctx, info.ClientID, "dispute:resolved", "Dispute resolved", msg, "/disputes/"+disputeID)
	s.notifyBestEffort(ctx, info.FreelancerID, "dispute:resolved", "Dispute resolved", msg, "/disputes/"+disputeID)
	return out, nil
}

// settleFullRefund cancels the contract and, when escrow was funded, queues a
// refund of the full deposit back to the client.
func (s *Service) settleFullRefund(ctx context.Context, tx pgx.Tx, info ContractInfo) error {
	if info.Status != "cancelled" {
		if err := s.repo.MarkContractCancelled(ctx, tx, info.ID, "dispute resolved: full refund"); err != nil {
			return err
		}
	}
	if !info.EscrowFunded {
		return nil
	}
	return s.queueRefund(ctx, tx, info, payments.Cents(info.TotalAmount))
}

// settlePaymentReleased sides with the freelancer. Milestone contracts get
// every outstanding milestone force-approved and paid out; fixed contracts
// complete with a single payout of the total.
func (s *Service) settlePaymentReleased(ctx context.Context, tx pgx.Tx, info ContractInfo) error {
	if !info.EscrowFunded {
		return fmt.Errorf("%w: cannot release unfunded escrow", ErrInvalidState)
	}

	if info.PaymentType == "milestone" {
		released, err := s.repo.ForceApproveMilestones(ctx, tx, info.ID)
		if err != nil {
			return err
		}
		for _, m := range released {
			if err := s.queueRelease(ctx, tx, info, &m.ID, payments.Cents(m.Amount)); err != nil {
				return err
			}
		}
		return nil
	}

	if info.Status != "completed" {
		if err := s.repo.MarkContractCompleted(ctx, tx, info.ID, "dispute resolved: payment released"); err != nil {
			return err
		}
	}
	return s.queueRelease(ctx, tx, info, nil, payments.Cents(info.TotalAmount))
}

// settlePartialRefund refunds part of the escrow to the client and releases
// the remainder to the freelancer, then closes the contract out.
func (s *Service) settlePartialRefund(ctx context.Context, tx pgx.Tx, info ContractInfo, refundAmount float64) error {
	if !info.EscrowFunded {
		return fmt.Errorf("%w: cannot split unfunded escrow", ErrInvalidState)
	}
	refundCents := payments.Cents(refundAmount)
	totalCents := payments.Cents(info.TotalAmount)
	if refundCents <= 0 || refundCents >= totalCents {
		return ErrBadRefundAmount
	}

	if err := s.queueRefund(ctx, tx, info, refundCents); err != nil {
		return err
	}
	if err := s.queueRelease(ctx, tx, info, nil, totalCents-refundCents); err != nil {
		return err
	}
	if info.Status != "completed" {
		return s.repo.MarkContractCompleted(ctx, tx, info.ID, "dispute resolved: partial refund")
	}
	return nil
}

func (s *Service) queueRefund(ctx context.Context, tx pgx.Tx, info ContractInfo, amountCents int64) error {
	txnID, err := s.repo.InsertRefundTransaction(ctx, tx, info.ID, info.ClientID, amountCents)
	if err != nil {
		return err
	}
	return s.repo.EnqueueOutbox(ctx, tx, payments.TopicRefundRequested, map[string]any{
		"transaction_id": txnID,
		"contract_id":    info.ID,
		"refund_cents":   amountCents,
	})
}

func (s *Service) queueRelease(ctx context.Context, tx pgx.Tx, info ContractInfo, milestoneID *string, amountCents int64) error {
	payoutCents, feeCents := payments.Split(amountCents, s.feePercent)
	txnID, err := s.repo.InsertReleaseTransaction(ctx, tx, ReleaseTransactionParams{
		ContractID:  info.ID,
		MilestoneID: milestoneID,
		AmountCents: amountCents,
		FeeCents:    feeCents,
		PayoutCents: payoutCents,
		DestUserID:  info.FreelancerID,
	})
	if err != nil {
		return err
	}
	payload := map[string]any{
		"transaction_id": txnID,
		"contract_id":    info.ID,
		"payout_cents":   payoutCents,
		"freelancer_id":  info.FreelancerID,
	}
	if milestoneID != nil {
		payload["milestone_id"] = *milestoneID
	}
	return s.repo.EnqueueOutbox(ctx, tx, payments.TopicReleaseRequested, payload)
}

func (s *Service) findContract(ctx context.Context, contractID string) (ContractInfo, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ContractInfo{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	info, err := s.repo.LockContract(ctx, tx, contractID)
	if err != nil {
		return ContractInfo{}, err
	}
	return info, tx.Commit(ctx)
}

func (s *Service) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit: %w", err)
	}
	return nil
}

func validType(t Type) bool {
	switch t {
	case TypeQuality, TypeNonDelivery, TypePayment, TypeScope, TypeOther:
		return true
	}
	return false
}

func (s *Service) notifyBestEffort(ctx context.Context, userID, kind, title, message, link string) {
	if s.notifier == nil || userID == "" {
		return
	}
	if err := s.notifier.Create(ctx, userID, kind, title, message, link); err != nil {
		log.Printf("dispute: notify %s (%s): %v", userID, kind, err)
	}
}
