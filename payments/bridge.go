package payments

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Notifier is the fire-and-forget notification sink.
type Notifier interface {
	Create(ctx context.Context, userID, kind, title, message, link string) error
}

// EventRepository defines the writes the bridge performs per event type.
// Every method runs inside the bridge's transaction.
type EventRepository interface {
	ReserveEvent(ctx context.Context, tx pgx.Tx, eventID string) error
	RecordDeposit(ctx context.Context, tx pgx.Tx, params DepositParams) (DepositResult, error)
	RecordMilestoneDeposit(ctx context.Context, tx pgx.Tx, params MilestoneDepositParams) (MilestoneDepositResult, error)
	MarkPaymentFailed(ctx context.Context, tx pgx.Tx, paymentRef, reason string, metadata map[string]string) (string, error)
	MarkMilestonePaid(ctx context.Context, tx pgx.Tx, milestoneID, transferRef string) (MilestonePaidResult, error)
	CompleteReleaseTransaction(ctx context.Context, tx pgx.Tx, transactionID, transferRef string) (ReleaseResult, error)
	RecordRefund(ctx context.Context, tx pgx.Tx, paymentRef string, amountCents int64) (RefundResult, error)
	SetPayoutEligibility(ctx context.Context, tx pgx.Tx, accountID string, eligible bool) (EligibilityResult, error)
}

// DepositParams capture a succeeded escrow deposit.
type DepositParams struct {
	ContractID  string
	ClientID    string
	PaymentRef  string
	AmountCents int64
}

// DepositResult reports who to notify after commit.
type DepositResult struct {
	FreelancerID  string
	ContractTitle string
}

// MilestoneDepositParams capture a payment that funds a single milestone.
type MilestoneDepositParams struct {
	MilestoneID string
	ClientID    string
	PaymentRef  string
	AmountCents int64
	FeePercent  int
}

// MilestoneDepositResult reports the effect of a milestone-scoped payment.
type MilestoneDepositResult struct {
	ContractID     string
	FreelancerID   string
	MilestoneTitle string
	AlreadyFunded  bool
}

// MilestonePaidResult reports the effect of a transfer-created event on a milestone.
type MilestonePaidResult struct {
	ContractID        string
	FreelancerID      string
	MilestoneTitle    string
	AlreadyPaid       bool
	ContractCompleted bool
}

// ReleaseResult reports the effect of completing a contract-level payout.
type ReleaseResult struct {
	ContractID   string
	FreelancerID string
}

// RefundResult reports who was refunded.
type RefundResult struct {
	ContractID  string
	PayerID     string
	AmountCents int64
}

// EligibilityResult reports a payout-capability change.
type EligibilityResult struct {
	UserID        string
	BecameEnabled bool
}

// Bridge consumes verified payment-processor events and is the only
// component that creates ledger rows or marks milestones paid.
type Bridge struct {
	pool       TxBeginner
	repo       EventRepository
	notifier   Notifier
	feePercent int
}

func NewBridge(pool TxBeginner, repo EventRepository, notifier Notifier, feePercent int) *Bridge {
	if feePercent <= 0 {
		feePercent = DefaultFeePercent
	}
	return &Bridge{pool: pool, repo: repo, notifier: notifier, feePercent: feePercent}
}

// HandleEvent applies one verified event. The event id is reserved in the
// same transaction as the side effects, so replaying a processed event is a
// no-op rather than a double-credit.
func (b *Bridge) HandleEvent(ctx context.Context, evt Event) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := b.repo.ReserveEvent(ctx, tx, evt.ID); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			log.Printf("payments: replayed event %s (%s), skipping", evt.ID, evt.Type)
			return nil
		}
		return err
	}

	var after func()
	obj := evt.Data.Object

	switch evt.Type {
	case EventPaymentSucceeded:
		if milestoneID := obj.Metadata["milestone_id"]; milestoneID != "" {
			res, err := b.repo.RecordMilestoneDeposit(ctx, tx, MilestoneDepositParams{
				MilestoneID: milestoneID,
				ClientID:    obj.Metadata["client_id"],
				PaymentRef:  obj.ID,
				AmountCents: obj.Amount,
				FeePercent:  b.feePercent,
			})
			if err != nil {
				return err
			}
			if res.AlreadyFunded {
				break
			}
			after = func() {
				b.notifyBestEffort(ctx, res.FreelancerID, "milestone:funded",
					"Milestone payment received",
					fmt.Sprintf("Payment for milestone %q cleared. The payout is on its way.", res.MilestoneTitle),
					"/contracts/"+res.ContractID)
			}
			break
		}
		contractID := obj.Metadata["contract_id"]
		if contractID == "" {
			return fmt.Errorf("payments: %s event %s missing contract_id metadata", evt.Type, evt.ID)
		}
		res, err := b.repo.RecordDeposit(ctx, tx, DepositParams{
			ContractID:  contractID,
			ClientID:    obj.Metadata["client_id"],
			PaymentRef:  obj.ID,
			AmountCents: obj.Amount,
		})
		if err != nil {
			return err
		}
		after = func() {
			b.notifyBestEffort(ctx, res.FreelancerID, "escrow:funded",
				"Escrow funded",
				fmt.Sprintf("The client funded escrow for %q. You are covered for the work.", res.ContractTitle),
				"/contracts/"+contractID)
		}

	case EventPaymentFailed:
		payerID, err := b.repo.MarkPaymentFailed(ctx, tx, obj.ID, obj.LastError, obj.Metadata)
		if err != nil {
			return err
		}
		if payerID != "" {
			after = func() {
				b.notifyBestEffort(ctx, payerID, "payment:failed",
					"Payment failed",
					"Your escrow payment could not be processed. Please try again.",
					"/contracts/"+obj.Metadata["contract_id"])
			}
		}

	case EventTransferCreated:
		if milestoneID := obj.Metadata["milestone_id"]; milestoneID != "" {
			res, err := b.repo.MarkMilestonePaid(ctx, tx, milestoneID, obj.ID)
			if err != nil {
				return err
			}
			if res.AlreadyPaid {
				break
			}
			after = func() {
				b.notifyBestEffort(ctx, res.FreelancerID, "milestone:paid",
					"Milestone paid",
					fmt.Sprintf("Payment for milestone %q was released to your account.", res.MilestoneTitle),
					"/contracts/"+res.ContractID)
				if res.ContractCompleted {
					b.notifyBestEffort(ctx, res.FreelancerID, "contract:completed",
						"Contract completed",
						"All milestones are paid. The contract is complete.",
						"/contracts/"+res.ContractID)
				}
			}
		} else if txnID := obj.Metadata["transaction_id"]; txnID != "" {
			res, err := b.repo.CompleteReleaseTransaction(ctx, tx, txnID, obj.ID)
			if err != nil {
				return err
			}
			after = func() {
				b.notifyBestEffort(ctx, res.FreelancerID, "payment:released",
					"Payout sent",
					"Your contract payout was transferred to your account.",
					"/contracts/"+res.ContractID)
			}
		} else {
			log.Printf("payments: transfer event %s carries no correlation metadata, ignoring", evt.ID)
		}

	case EventChargeRefunded:
		amount := obj.AmountRefunded
		if amount == 0 {
			amount = obj.Amount
		}
		res, err := b.repo.RecordRefund(ctx, tx, obj.PaymentIntent, amount)
		if err != nil {
			return err
		}
		after = func() {
			b.notifyBestEffort(ctx, res.PayerID, "payment:refunded",
				"Refund issued",
				fmt.Sprintf("%.2f was refunded to your payment method.", Dollars(res.AmountCents)),
				"/contracts/"+res.ContractID)
		}

	case EventAccountUpdated:
		eligible := obj.ChargesEnabled && obj.PayoutsEnabled
		res, err := b.repo.SetPayoutEligibility(ctx, tx, obj.ID, eligible)
		if err != nil {
			return err
		}
		if res.BecameEnabled {
			after = func() {
				b.notifyBestEffort(ctx, res.UserID, "payouts:enabled",
					"Payouts enabled",
					"Your payout account is fully activated. You can now receive payments.",
					"/settings/payouts")
			}
		}

	default:
		log.Printf("payments: unhandled event type %s (%s)", evt.Type, evt.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payments: commit event %s: %w", evt.ID, err)
	}

	if after != nil {
		after()
	}
	return nil
}

func (b *Bridge) notifyBestEffort(ctx context.Context, userID, kind, title, message, link string) {
	if b.notifier == nil || userID == "" {
		return
	}
	if err := b.notifier.Create(ctx, userID, kind, title, message, link); err != nil {
		log.Printf("payments: notify %s (%s): %v", userID, kind, err)
	}
}
