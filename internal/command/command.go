// Package command is the thin boundary between the event stream and bot
// behavior. It parses prefixed invocations out of message events and
// routes them through a named handler registry.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/cache"
	"github.com/danmuck/wisp/internal/model"
)

var (
	ErrInvalidName = errors.New("command: invalid name")
	ErrDuplicate   = errors.New("command: duplicate registration")
	ErrUnknown     = errors.New("command: unknown command")
)

// Responder delivers a handler's textual output. The core does not send
// messages itself; the process owner decides where replies go.
type Responder func(ctx context.Context, text string) error

// Invocation is one parsed command call. Message is a snapshot taken at
// dispatch time; Cache is shared and safe for concurrent reads.
type Invocation struct {
	Name     string
	Args     []string
	Message  model.Message
	Cache    *cache.Cache
	Received time.Time
	Respond  Responder
}

// Reply sends text through the invocation's responder, if any.
func (inv Invocation) Reply(ctx context.Context, text string) error {
	if inv.Respond == nil {
		return nil
	}
	return inv.Respond(ctx, text)
}

// Handler executes one command invocation.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to handler. Names are case-insensitive.
func (r *Registry) Register(name string, handler Handler) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || strings.ContainsAny(key, " \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, key)
	}
	r.handlers[key] = handler
	return nil
}

// Resolve looks up a handler by name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[strings.ToLower(strings.TrimSpace(name))]
	return handler, ok
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse splits "<prefix><name> <args...>" message content. Returns ok
// false when content does not start with the prefix or names nothing.
func Parse(content, prefix string) (string, []string, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	name := strings.ToLower(fields[0])
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}

// LogResponder writes command output to the process log. Used when no
// outbound transport is wired.
func LogResponder(component string) Responder {
	return func(_ context.Context, text string) error {
		log.Info().Str("component", component).Str("reply", text).Msg("command output")
		return nil
	}
}
