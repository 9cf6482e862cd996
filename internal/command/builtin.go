package command

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins installs the stock handlers. started anchors uptime
// reporting, normally the service boot time.
func RegisterBuiltins(reg *Registry, started time.Time) error {
	builtins := map[string]Handler{
		"ping":   HandlerFunc(pingCommand),
		"uptime": uptimeCommand{started: started},
		"guilds": HandlerFunc(guildsCommand),
	}
	for name, handler := range builtins {
		if err := reg.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// pingCommand echoes the delivery latency when the message carries a
// parseable timestamp.
func pingCommand(ctx context.Context, inv Invocation) error {
	reply := "pong"
	if ts, err := time.Parse(time.RFC3339, inv.Message.Timestamp); err == nil {
		latency := inv.Received.Sub(ts)
		if latency > 0 {
			reply = fmt.Sprintf("pong (%s)", latency.Round(time.Millisecond))
		}
	}
	return inv.Reply(ctx, reply)
}

type uptimeCommand struct {
	started time.Time
}

func (u uptimeCommand) Handle(ctx context.Context, inv Invocation) error {
	up := time.Since(u.started).Round(time.Second)
	return inv.Reply(ctx, fmt.Sprintf("up %s", up))
}

// guildsCommand summarizes cache occupancy.
func guildsCommand(ctx context.Context, inv Invocation) error {
	if inv.Cache == nil {
		return inv.Reply(ctx, "cache unavailable")
	}
	s := inv.Cache.Stats()
	return inv.Reply(ctx, fmt.Sprintf(
		"guilds=%d channels=%d members=%d presences=%d messages=%d users=%d",
		s.Guilds, s.Channels, s.Members, s.Presences, s.Messages, s.Users,
	))
}
