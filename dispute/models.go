package dispute

import "time"

// Type categorizes what the dispute is about.
type Type string

const (
	TypeQuality     Type = "quality"
	TypeNonDelivery Type = "non_delivery"
	TypePayment     Type = "payment"
	TypeScope       Type = "scope"
	TypeOther       Type = "other"
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Resolution is the admin's verdict on a dispute.
type Resolution string

const (
	// ResolutionFullRefund cancels the contract and returns escrow to the client.
	ResolutionFullRefund Resolution = "full_refund"
	// ResolutionPaymentReleased sides with the freelancer and releases the funds.
	ResolutionPaymentReleased Resolution = "payment_released"
	// ResolutionPartialRefund splits escrow between the parties.
	ResolutionPartialRefund Resolution = "partial_refund"
)

// Dispute is a formal disagreement raised by either contract party. At most
// one dispute per contract may be open at a time.
type Dispute struct {
	ID                string      `json:"id"`
	ContractID        string      `json:"contract_id"`
	RaisedBy          string      `json:"raised_by"`
	Type              Type        `json:"type"`
	Reason            string      `json:"reason"`
	Evidence          *string     `json:"evidence,omitempty"`
	AmountDisputed    *float64    `json:"amount_disputed,omitempty"`
	Status            Status      `json:"status"`
	AdminAssigned     *string     `json:"admin_assigned,omitempty"`
	ResolutionType    *Resolution `json:"resolution_type,omitempty"`
	ResolutionDetails *string     `json:"resolution_details,omitempty"`
	ResolvedBy        *string     `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ContractInfo is the slice of the disputed contract the resolver needs.
type ContractInfo struct {
	ID           string
	ClientID     string
	FreelancerID string
	Title        string
	Status       string
	PaymentType  string
	TotalAmount  float64
	EscrowFunded bool
}

// CounterpartyID returns the party on the other side of the dispute.
func (c ContractInfo) CounterpartyID(userID string) string {
	if userID == c.ClientID {
		return c.FreelancerID
	}
	return c.ClientID
}

// ReleasableMilestone is a milestone force-approved during resolution whose
// payout still needs to be queued.
type ReleasableMilestone struct {
	ID     string
	Title  string
	Amount float64
}
