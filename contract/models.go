package contract

import "time"

// Status is the lifecycle state of a contract.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPending           Status = "pending"
	StatusActive            Status = "active"
	StatusPendingCompletion Status = "pending_completion"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// PaymentType distinguishes fixed-price contracts from milestone-based ones.
type PaymentType string

const (
	PaymentFixed     PaymentType = "fixed"
	PaymentMilestone PaymentType = "milestone"
)

// Party identifies which side of the contract an actor is on.
type Party string

const (
	PartyClient     Party = "client"
	PartyFreelancer Party = "freelancer"
)

// Contract mirrors the contracts table columns touched by the service.
type Contract struct {
	ID                 string      `json:"id"`
	ClientID           string      `json:"client_id"`
	FreelancerID       string      `json:"freelancer_id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	TotalAmount        float64     `json:"total_amount"`
	PaymentType        PaymentType `json:"payment_type"`
	Status             Status      `json:"status"`
	ClientSignedAt     *time.Time  `json:"client_signed_at,omitempty"`
	FreelancerSignedAt *time.Time  `json:"freelancer_signed_at,omitempty"`
	IsEditable         bool        `json:"is_editable"`
	EscrowFunded       bool        `json:"escrow_funded"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CompletionNote     *string     `json:"completion_note,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	CancellationReason *string     `json:"cancellation_reason,omitempty"`
	Version            int         `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
	LastEditedAt       *time.Time  `json:"last_edited_at,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// PartyOf re-derives the actor's side from the persisted contract row. The
// empty return value means the actor is not a party at all.
func (c Contract) PartyOf(userID string) Party {
	switch userID {
	case c.ClientID:
		return PartyClient
	case c.FreelancerID:
		return PartyFreelancer
	default:
		return ""
	}
}

// CounterpartyID returns the user on the other side of the contract.
func (c Contract) CounterpartyID(userID string) string {
	if userID == c.ClientID {
		return c.FreelancerID
	}
	return c.ClientID
}

// EditSnapshot captures the editable fields of a contract at a point in time.
type EditSnapshot struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	TotalAmount float64          `json:"total_amount"`
	PaymentType PaymentType      `json:"payment_type"`
	Milestones  []MilestoneInput `json:"milestones,omitempty"`
}

// MilestoneInput is a milestone as supplied to Edit. A non-empty ID refers to
// an existing milestone which keeps its identity across the edit.
type MilestoneInput struct {
	ID       string     `json:"id,omitempty"`
	Title    string     `json:"title"`
	Amount   float64    `json:"amount"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Order    int        `json:"order"`
}

// EditEntry is one immutable row of the contract edit history.
type EditEntry struct {
	ID         string
	ContractID string
	EditedBy   string
	Previous   EditSnapshot
	Next       EditSnapshot
	CreatedAt  time.Time
}
