package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the notification does not exist or belongs to
// someone else.
var ErrNotFound = errors.New("notify: not found")

// Service persists in-app notifications and mirrors them onto the background
// email queue. The queue is optional; without one notifications are in-app only.
type Service struct {
	pool  *pgxpool.Pool
	queue *asynq.Client
}

func NewService(pool *pgxpool.Pool, queue *asynq.Client) *Service {
	return &Service{pool: pool, queue: queue}
}

// Create stores the notification and queues its email. Queue failures are
// logged, not returned; the in-app row is the source of truth.
func (s *Service) Create(ctx context.Context, userID, kind, title, message, link string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (user_id, kind, title, message, link)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))`,
		userID, kind, title, message, link); err != nil {
		return fmt.Errorf("notify: insert: %w", err)
	}

	if s.queue != nil {
		payload := EmailPayload{UserID: userID, Kind: kind, Title: title, Message: message, Link: link, SentAt: time.Now()}
		b, _ := json.Marshal(payload)
		if _, err := s.queue.EnqueueContext(ctx, asynq.NewTask(TaskNotificationEmail, b), asynq.Queue("emails")); err != nil {
			log.Printf("notify: enqueue email for %s (%s): %v", userID, kind, err)
		}
	}
	return nil
}

// AlertAdmins queues an operational alert for the platform staff.
func (s *Service) AlertAdmins(ctx context.Context, severity, message string) error {
	if s.queue == nil {
		log.Printf("notify: admin alert [%s] %s", severity, message)
		return nil
	}
	payload := AdminAlertPayload{Severity: severity, Message: message, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	if _, err := s.queue.EnqueueContext(ctx, asynq.NewTask(TaskAdminAlert, b), asynq.Queue("alerts")); err != nil {
		return fmt.Errorf("notify: enqueue admin alert: %w", err)
	}
	return nil
}

// ListForUser returns the user's notifications, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	query := `
		SELECT id, user_id, kind, title, COALESCE(message, ''), COALESCE(link, ''), read_at, created_at
		FROM notifications
		WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, 16)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Link, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead stamps one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET read_at = NOW()
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("notify: mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND user_id = $2)`,
			notificationID, userID).Scan(&exists); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("notify: check: %w", err)
		} else if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// MarkAllRead stamps every unread notification for the user.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read_at = NOW() WHERE user_id = $1 AND read_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("notify: mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}
