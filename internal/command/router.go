package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/cache"
	"github.com/danmuck/wisp/internal/protocol/event"
)

const DefaultPrefix = "!"

// Router turns command-shaped message events into registry invocations.
// It satisfies the dispatcher's handler contract.
type Router struct {
	prefix   string
	registry *Registry
	respond  Responder
}

// NewRouter builds a router over registry. An empty prefix falls back to
// DefaultPrefix; a nil responder logs replies.
func NewRouter(prefix string, registry *Registry, respond Responder) *Router {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	if respond == nil {
		respond = LogResponder("command")
	}
	return &Router{prefix: prefix, registry: registry, respond: respond}
}

func (r *Router) Prefix() string { return r.prefix }

// Handle parses ev as a command invocation and runs the matching handler.
// Non-command messages and unknown names are dropped quietly; handler
// errors are logged, never propagated into the stream.
func (r *Router) Handle(ctx context.Context, ev event.InboundEvent, view *cache.Cache) {
	msg, ok := ev.Data.(event.MessageCreate)
	if !ok {
		return
	}
	name, args, ok := Parse(msg.Content, r.prefix)
	if !ok {
		return
	}
	handler, ok := r.registry.Resolve(name)
	if !ok {
		log.Debug().
			Str("shard", ev.Shard.String()).
			Str("command", name).
			Msg("unknown command ignored")
		return
	}

	inv := Invocation{
		Name:     name,
		Args:     args,
		Message:  msg.Message,
		Cache:    view,
		Received: time.Now(),
		Respond:  r.respond,
	}
	if err := handler.Handle(ctx, inv); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().
			Err(err).
			Str("command", name).
			Str("channel", msg.ChannelID).
			Msg("command handler failed")
	}
}
