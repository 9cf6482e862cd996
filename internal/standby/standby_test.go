package standby

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/wisp/internal/model"
	"github.com/danmuck/wisp/internal/protocol/event"
	"github.com/danmuck/wisp/internal/protocol/wire"
	"github.com/danmuck/wisp/internal/testutil/testlog"
)

func messageEvent(content string) event.InboundEvent {
	return event.InboundEvent{
		Shard: wire.ShardID{Index: 0, Total: 1},
		Type:  event.TypeMessageCreate,
		Data: event.MessageCreate{
			Message: model.Message{ID: "m1", ChannelID: "c1", Content: content},
		},
	}
}

func isMessage(content string) Predicate {
	return func(ev event.InboundEvent) bool {
		mc, ok := ev.Data.(event.MessageCreate)
		return ok && mc.Content == content
	}
}

func TestStandbyResolvesOnFirstMatchOnly(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())

	ticket, err := r.WaitFor(isMessage("yes"), 0)
	if err != nil {
		t.Fatalf("wait for: %v", err)
	}
	if got := r.Notify(messageEvent("no")); got != 0 {
		t.Fatalf("non-match resolved %d", got)
	}
	if r.Pending() != 1 {
		t.Fatalf("pending=%d", r.Pending())
	}

	if got := r.Notify(messageEvent("yes")); got != 1 {
		t.Fatalf("match resolved %d", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if mc := ev.Data.(event.MessageCreate); mc.Content != "yes" {
		t.Fatalf("unexpected event: %+v", mc)
	}

	// Second match must not fire the same subscription again.
	if got := r.Notify(messageEvent("yes")); got != 0 {
		t.Fatalf("resolved twice: %d", got)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending=%d after resolution", r.Pending())
	}
}

func TestStandbyTimeoutResolvesExactlyOnce(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())

	ticket, err := r.WaitFor(isMessage("late"), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ticket.Wait(ctx); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}

	// A match after expiry must not deliver a stale result.
	if got := r.Notify(messageEvent("late")); got != 0 {
		t.Fatalf("stale match resolved %d", got)
	}
	select {
	case res := <-ticket.Done():
		t.Fatalf("second result delivered: %+v", res)
	default:
	}
}

func TestStandbyCancel(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())

	ticket, err := r.WaitFor(isMessage("x"), 0)
	if err != nil {
		t.Fatalf("wait for: %v", err)
	}
	ticket.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ticket.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending=%d", r.Pending())
	}
}

func TestStandbyOneEventResolvesAllMatches(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())

	first, err := r.WaitFor(isMessage("both"), 0)
	if err != nil {
		t.Fatalf("wait for first: %v", err)
	}
	second, err := r.WaitFor(isMessage("both"), 0)
	if err != nil {
		t.Fatalf("wait for second: %v", err)
	}

	if got := r.Notify(messageEvent("both")); got != 2 {
		t.Fatalf("resolved %d, want 2", got)
	}
	for _, ticket := range []*Ticket{first, second} {
		select {
		case res := <-ticket.Done():
			if res.Outcome != OutcomeMatched {
				t.Fatalf("outcome=%s", res.Outcome)
			}
		default:
			t.Fatalf("ticket %s unresolved", ticket.ID())
		}
	}
}

func TestStandbyPanickyPredicateDoesNotAbortPass(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())

	panicky, err := r.WaitFor(func(event.InboundEvent) bool {
		panic("predicate exploded")
	}, 0)
	if err != nil {
		t.Fatalf("wait for panicky: %v", err)
	}
	healthy, err := r.WaitFor(isMessage("ok"), 0)
	if err != nil {
		t.Fatalf("wait for healthy: %v", err)
	}

	if got := r.Notify(messageEvent("ok")); got != 1 {
		t.Fatalf("resolved %d, want 1", got)
	}
	select {
	case <-healthy.Done():
	default:
		t.Fatalf("healthy subscription unresolved")
	}
	select {
	case res := <-panicky.Done():
		t.Fatalf("panicky subscription resolved: %+v", res)
	default:
	}
	if r.Pending() != 1 {
		t.Fatalf("pending=%d", r.Pending())
	}
}

func TestStandbyWaitContextCancelUnregisters(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())

	ticket, err := r.WaitFor(isMessage("never"), 0)
	if err != nil {
		t.Fatalf("wait for: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ticket.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending=%d", r.Pending())
	}
}

func TestStandbyCloseCancelsPending(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())

	ticket, err := r.WaitFor(isMessage("x"), 0)
	if err != nil {
		t.Fatalf("wait for: %v", err)
	}
	r.Close()

	select {
	case res := <-ticket.Done():
		if res.Outcome != OutcomeCancelled {
			t.Fatalf("outcome=%s", res.Outcome)
		}
	default:
		t.Fatalf("close left subscription pending")
	}
	if _, err := r.WaitFor(isMessage("x"), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStandbyRejectsNilPredicateAndOverflow(t *testing.T) {
	testlog.Start(t)
	r := New(Config{MaxPending: 2})

	if _, err := r.WaitFor(nil, 0); !errors.Is(err, ErrNilPredicate) {
		t.Fatalf("expected ErrNilPredicate, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := r.WaitFor(isMessage("x"), 0); err != nil {
			t.Fatalf("wait for %d: %v", i, err)
		}
	}
	if _, err := r.WaitFor(isMessage("x"), 0); !errors.Is(err, ErrLimit) {
		t.Fatalf("expected ErrLimit, got %v", err)
	}
}
