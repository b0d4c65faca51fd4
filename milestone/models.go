package milestone

import "time"

// Status is the delivery state of a single milestone.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusRejected   Status = "rejected"
	StatusApproved   Status = "approved"
	StatusPaid       Status = "paid"
)

// Milestone is one deliverable of a milestone-based contract. Amounts are
// stored in major units; cents appear only at the processor boundary.
type Milestone struct {
	ID                string     `json:"id"`
	ContractID        string     `json:"contract_id"`
	Title             string     `json:"title"`
	Amount            float64    `json:"amount"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	Order             int        `json:"order"`
	Status            Status     `json:"status"`
	SubmissionNote    *string    `json:"submission_note,omitempty"`
	RejectionFeedback *string    `json:"rejection_feedback,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	ReleasedAt        *time.Time `json:"released_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Submittable reports whether the freelancer may (re)submit work from the
// current state. Rejected milestones can be resubmitted after rework.
func (m Milestone) Submittable() bool {
	switch m.Status {
	case StatusPending, StatusInProgress, StatusRejected:
		return true
	default:
		return false
	}
}

// ContractInfo is the slice of the parent contract the milestone flow needs
// for authorization and gating.
type ContractInfo struct {
	ID           string
	ClientID     string
	FreelancerID string
	Title        string
	Status       string
	EscrowFunded bool
}
