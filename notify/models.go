package notify

import "time"

// Notification is one in-app message for a user.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Link      string     `json:"link,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Task type constants for the background delivery queue.
const (
	TaskNotificationEmail = "email:notification"
	TaskAdminAlert        = "email:admin_alert"
)

// EmailPayload is the body of a queued notification email task.
type EmailPayload struct {
	UserID  string    `json:"user_id"`
	Kind    string    `json:"kind"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Link    string    `json:"link,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// AdminAlertPayload is the body of a queued admin alert task.
type AdminAlertPayload struct {
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}
