package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbox topics the payment worker consumes.
const (
	TopicReleaseRequested = "payment.release_requested"
	TopicRefundRequested  = "payment.refund_requested"
)

// Service initiates outbound money movement for requests queued through the
// outbox. Local state never changes on processor failure; the ledger row
// stays pending so the request can be retried.
type Service struct {
	pool *pgxpool.Pool
	proc Processor
}

func NewService(pool *pgxpool.Pool, proc Processor) *Service {
	return &Service{pool: pool, proc: proc}
}

type releaseRequest struct {
	TransactionID string `json:"transaction_id"`
	ContractID    string `json:"contract_id"`
	MilestoneID   string `json:"milestone_id"`
	PayoutCents   int64  `json:"payout_cents"`
	FreelancerID  string `json:"freelancer_id"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	ContractID    string `json:"contract_id"`
	RefundCents   int64  `json:"refund_cents"`
}

// HandleOutbox dispatches one outbox message to the processor.
func (s *Service) HandleOutbox(ctx context.Context, topic string, payload []byte) error {
	switch topic {
	case TopicReleaseRequested:
		var req releaseRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("payments: decode release request: %w", err)
		}
		return s.initiateRelease(ctx, req)
	case TopicRefundRequested:
		var req refundRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("payments: decode refund request: %w", err)
		}
		return s.initiateRefund(ctx, req)
	default:
		log.Printf("payments: unexpected outbox topic %s, dropping", topic)
		return nil
	}
}

func (s *Service) initiateRelease(ctx context.Context, req releaseRequest) error {
	var (
		status      string
		payoutCents int64
		destAccount *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT t.status, t.payout_cents, u.stripe_account_id
		FROM transactions t
		JOIN users u ON u.id = t.user_id
		WHERE t.id = $1 AND t.type = 'release'`, req.TransactionID).
		Scan(&status, &payoutCents, &destAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: release transaction %s", ErrUnknownReference, req.TransactionID)
		}
		return fmt.Errorf("payments: load release transaction: %w", err)
	}
	if status != "pending" {
		// Already initiated or settled; replaying the request must not double-pay.
		return nil
	}
	if destAccount == nil || *destAccount == "" {
		return fmt.Errorf("payments: freelancer %s has no payout account yet", req.FreelancerID)
	}

	metadata := map[string]string{
		"transaction_id": req.TransactionID,
		"contract_id":    req.ContractID,
	}
	if req.MilestoneID != "" {
		metadata["milestone_id"] = req.MilestoneID
	}

	transferRef, err := s.proc.CreateTransfer(ctx, payoutCents, *destAccount, metadata)
	if err != nil {
		return fmt.Errorf("payments: create transfer: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET status = 'processing', external_ref = $2
		WHERE id = $1 AND status = 'pending'`, req.TransactionID, transferRef); err != nil {
		return fmt.Errorf("payments: record transfer ref: %w", err)
	}
	return nil
}

func (s *Service) initiateRefund(ctx context.Context, req refundRequest) error {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM transactions WHERE id = $1 AND type = 'refund'`, req.TransactionID).
		Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: refund transaction %s", ErrUnknownReference, req.TransactionID)
		}
		return fmt.Errorf("payments: load refund transaction: %w", err)
	}
	if status != "pending" {
		return nil
	}

	var depositRef string
	err = s.pool.QueryRow(ctx, `
		SELECT external_ref
		FROM transactions
		WHERE contract_id = $1 AND type = 'deposit' AND status = 'completed'
		ORDER BY created_at DESC
		LIMIT 1`, req.ContractID).Scan(&depositRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no completed deposit for contract %s", ErrUnknownReference, req.ContractID)
		}
		return fmt.Errorf("payments: find deposit: %w", err)
	}

	refundRef, err := s.proc.CreateRefund(ctx, depositRef, req.RefundCents)
	if err != nil {
		return fmt.Errorf("payments: create refund: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET status = 'processing', external_ref = $2
		WHERE id = $1 AND status = 'pending'`, req.TransactionID, refundRef); err != nil {
		return fmt.Errorf("payments: record refund ref: %w", err)
	}
	return nil
}
