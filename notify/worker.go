package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

// NewMux registers the delivery handlers for the background queue.
func NewMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskNotificationEmail, handleNotificationEmail)
	mux.HandleFunc(TaskAdminAlert, handleAdminAlert)
	return mux
}

// NewServer builds the queue consumer. Emails get more workers than alerts.
func NewServer(redisAddr string) *asynq.Server {
	return asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"emails": 10,
			"alerts": 5,
		},
	})
}

// Delivery is simulated with logs; wiring a real email provider means
// replacing the log lines in these handlers.

func handleNotificationEmail(_ context.Context, t *asynq.Task) error {
	var p EmailPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("notify: decode email task: %w", err)
	}
	log.Printf("[notify] email sent -> user=%s kind=%s title=%q", p.UserID, p.Kind, p.Title)
	return nil
}

func handleAdminAlert(_ context.Context, t *asynq.Task) error {
	var p AdminAlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("notify: decode admin alert task: %w", err)
	}
	log.Printf("[notify] admin alert -> severity=%s message=%q", p.Severity, p.Message)
	return nil
}
