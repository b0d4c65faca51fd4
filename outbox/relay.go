// Package outbox delivers messages written transactionally alongside state
// changes. A relay polls the outbox table and dispatches each message to the
// handler registered for its topic.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 50
	defaultWorkers   = 4
	maxAttempts      = 8
)

// Message is one claimed outbox row.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// Store is the persistence the relay runs against.
type Store interface {
	Claim(ctx context.Context, limit int) ([]Message, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string, final bool) error
}

// HandlerFunc processes one message. A nil return marks the message sent; an
// error leaves it pending for a later attempt.
type HandlerFunc func(ctx context.Context, topic string, payload []byte) error

type route struct {
	prefix string
	fn     HandlerFunc
}

// Relay polls the outbox and fans messages out to topic handlers.
type Relay struct {
	store     Store
	routes    []route
	interval  time.Duration
	batchSize int
	workers   int
}

func NewRelay(store Store) *Relay {
	return &Relay{
		store:     store,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		workers:   defaultWorkers,
	}
}

// Handle registers fn for every topic starting with prefix. Longer prefixes
// win when several match.
func (r *Relay) Handle(prefix string, fn HandlerFunc) {
	r.routes = append(r.routes, route{prefix: prefix, fn: fn})
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("outbox: drain: %v", err)
			}
		}
	}
}

// Drain claims one batch and dispatches it. Exported so tests and shutdown
// paths can flush without the ticker.
func (r *Relay) Drain(ctx context.Context) error {
	msgs, err := r.store.Claim(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("outbox: claim batch: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, msg := range msgs {
		g.Go(func() error {
			r.dispatch(ctx, msg)
			return nil
		})
	}
	return g.Wait()
}

func (r *Relay) dispatch(ctx context.Context, msg Message) {
	fn := r.resolve(msg.Topic)
	if fn == nil {
		log.Printf("outbox: no handler for topic %s, dropping message %d", msg.Topic, msg.ID)
		if err := r.store.MarkSent(ctx, msg.ID); err != nil {
			log.Printf("outbox: mark dropped message %d: %v", msg.ID, err)
		}
		return
	}

	if err := fn(ctx, msg.Topic, msg.Payload); err != nil {
		final := msg.Attempts >= maxAttempts
		if final {
			log.Printf("outbox: message %d (%s) failed permanently after %d attempts: %v", msg.ID, msg.Topic, msg.Attempts, err)
		}
		if markErr := r.store.MarkFailed(ctx, msg.ID, err.Error(), final); markErr != nil {
			log.Printf("outbox: mark failed message %d: %v", msg.ID, markErr)
		}
		return
	}
	if err := r.store.MarkSent(ctx, msg.ID); err != nil {
		log.Printf("outbox: mark sent message %d: %v", msg.ID, err)
	}
}

func (r *Relay) resolve(topic string) HandlerFunc {
	var (
		best    HandlerFunc
		bestLen = -1
	)
	for _, rt := range r.routes {
		if strings.HasPrefix(topic, rt.prefix) && len(rt.prefix) > bestLen {
			best, bestLen = rt.fn, len(rt.prefix)
		}
	}
	return best
}
