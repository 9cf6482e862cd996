// Package standby holds one-shot subscriptions that wait for the next
// inbound event matching a predicate. Each subscription resolves exactly
// once: matched, expired, or cancelled.
package standby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/observability"
	"github.com/danmuck/wisp/internal/protocol/event"
)

var (
	ErrNilPredicate = errors.New("standby: nil predicate")
	ErrExpired      = errors.New("standby: subscription expired")
	ErrCancelled    = errors.New("standby: subscription cancelled")
	ErrClosed       = errors.New("standby: registry closed")
	ErrLimit        = errors.New("standby: too many pending subscriptions")
)

// Predicate reports whether an event resolves the subscription. Predicates
// run on the dispatch path: keep them fast, and never call back into the
// registry from one.
type Predicate func(event.InboundEvent) bool

// Outcome is the terminal state of a subscription.
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
)

// Result carries the terminal outcome; Event is set only when matched.
type Result struct {
	Outcome Outcome
	Event   event.InboundEvent
}

// Ticket is the caller's handle to one pending subscription.
type Ticket struct {
	id       string
	done     chan Result
	registry *Registry
}

func (t *Ticket) ID() string {
	return t.id
}

// Done delivers the single terminal result.
func (t *Ticket) Done() <-chan Result {
	return t.done
}

// Wait blocks for resolution. Context cancellation cancels the
// subscription and returns the context error.
func (t *Ticket) Wait(ctx context.Context) (event.InboundEvent, error) {
	select {
	case res := <-t.done:
		switch res.Outcome {
		case OutcomeMatched:
			return res.Event, nil
		case OutcomeExpired:
			return event.InboundEvent{}, ErrExpired
		default:
			return event.InboundEvent{}, ErrCancelled
		}
	case <-ctx.Done():
		t.Cancel()
		return event.InboundEvent{}, ctx.Err()
	}
}

// Cancel resolves the subscription as cancelled if still pending.
func (t *Ticket) Cancel() {
	t.registry.resolve(t.id, Result{Outcome: OutcomeCancelled})
}

type subscription struct {
	id     string
	pred   Predicate
	timer  *time.Timer
	ticket *Ticket
}

// Config bounds the registry.
type Config struct {
	MaxPending int
}

func DefaultConfig() Config {
	return Config{MaxPending: 1024}
}

func (c Config) WithDefaults() Config {
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultConfig().MaxPending
	}
	return c
}

// Registry tracks pending subscriptions and resolves them against the
// inbound stream.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*subscription
	closed  bool
}

func New(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg.WithDefaults(),
		pending: make(map[string]*subscription),
	}
}

// WaitFor registers a subscription for the next event matching pred.
// A timeout of zero means no deadline.
func (r *Registry) WaitFor(pred Predicate, timeout time.Duration) (*Ticket, error) {
	if pred == nil {
		return nil, ErrNilPredicate
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if len(r.pending) >= r.cfg.MaxPending {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrLimit, r.cfg.MaxPending)
	}
	sub := &subscription{
		id:   uuid.NewString(),
		pred: pred,
	}
	sub.ticket = &Ticket{
		id:       sub.id,
		done:     make(chan Result, 1),
		registry: r,
	}
	r.pending[sub.id] = sub
	if timeout > 0 {
		id := sub.id
		sub.timer = time.AfterFunc(timeout, func() {
			r.resolve(id, Result{Outcome: OutcomeExpired})
		})
	}
	count := len(r.pending)
	r.mu.Unlock()

	observability.SetStandbyActive(count)
	return sub.ticket, nil
}

// Pending reports the number of unresolved subscriptions.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Notify evaluates every pending subscription against ev and resolves all
// matches. One event may resolve several subscriptions independently. A
// predicate that panics counts as a non-match; the pass continues.
func (r *Registry) Notify(ev event.InboundEvent) int {
	r.mu.Lock()
	snapshot := make([]*subscription, 0, len(r.pending))
	for _, sub := range r.pending {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	resolved := 0
	for _, sub := range snapshot {
		if !evaluate(sub.id, sub.pred, ev) {
			continue
		}
		if r.resolve(sub.id, Result{Outcome: OutcomeMatched, Event: ev}) {
			resolved++
		}
	}
	return resolved
}

// Close cancels every pending subscription and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	snapshot := make([]*subscription, 0, len(r.pending))
	for _, sub := range r.pending {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	for _, sub := range snapshot {
		r.resolve(sub.id, Result{Outcome: OutcomeCancelled})
	}
}

// resolve delivers the terminal result if the subscription is still
// pending. Reports whether this call was the one that resolved it.
func (r *Registry) resolve(id string, res Result) bool {
	r.mu.Lock()
	sub, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, id)
	if sub.timer != nil {
		sub.timer.Stop()
	}
	count := len(r.pending)
	r.mu.Unlock()

	sub.ticket.done <- res
	observability.SetStandbyActive(count)
	observability.RecordStandbyResolution(string(res.Outcome))
	return true
}

func evaluate(id string, pred Predicate, ev event.InboundEvent) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
			log.Warn().
				Str("subscription", id).
				Str("panic", fmt.Sprint(rec)).
				Msg("standby predicate panicked; treated as non-match")
		}
	}()
	return pred(ev)
}
