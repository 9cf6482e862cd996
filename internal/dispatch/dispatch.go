// Package dispatch drains the merged event stream. Each event is folded
// into the cache, offered to the standby registry, and, when it looks
// like a command invocation, handed to the command subsystem.
//
// Ownership boundary:
// - per-shard serial workers: apply and notify run in arrival order
//   within a shard, concurrently across shards
// - bounded fire-and-forget command handoff; completion is never awaited
//   per event, only at shutdown
//
// Command admission is bounded: a saturated pool backpressures the
// owning shard's worker, not the whole stream.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/danmuck/wisp/internal/cache"
	"github.com/danmuck/wisp/internal/observability"
	"github.com/danmuck/wisp/internal/protocol/event"
	"github.com/danmuck/wisp/internal/standby"
)

var ErrAlreadyRunning = errors.New("dispatch: already running")

// Handler receives command-shaped events with a read handle on the cache.
// Invocations run on their own goroutines and may complete in any order.
type Handler interface {
	Handle(ctx context.Context, ev event.InboundEvent, view *cache.Cache)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev event.InboundEvent, view *cache.Cache)

func (f HandlerFunc) Handle(ctx context.Context, ev event.InboundEvent, view *cache.Cache) {
	f(ctx, ev, view)
}

// Config bounds dispatcher concurrency.
type Config struct {
	// ShardQueueSize is each shard worker's event backlog.
	ShardQueueSize int
	// CommandWorkers caps concurrently running command handlers.
	CommandWorkers int
}

func DefaultConfig() Config {
	return Config{
		ShardQueueSize: 64,
		CommandWorkers: 16,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ShardQueueSize <= 0 {
		c.ShardQueueSize = def.ShardQueueSize
	}
	if c.CommandWorkers <= 0 {
		c.CommandWorkers = def.CommandWorkers
	}
	return c
}

// Dispatcher routes inbound events to the cache, the standby registry,
// and the command subsystem.
type Dispatcher struct {
	cfg      Config
	cache    *cache.Cache
	registry *standby.Registry
	handler  Handler

	sem *semaphore.Weighted

	mu      sync.Mutex
	running bool
	workers map[int]chan event.InboundEvent

	workerWg  sync.WaitGroup
	commandWg sync.WaitGroup
}

// New builds a dispatcher. handler may be nil when no command subsystem
// is attached.
func New(cfg Config, c *cache.Cache, registry *standby.Registry, handler Handler) *Dispatcher {
	cfg = cfg.WithDefaults()
	return &Dispatcher{
		cfg:      cfg,
		cache:    c,
		registry: registry,
		handler:  handler,
		sem:      semaphore.NewWeighted(int64(cfg.CommandWorkers)),
		workers:  make(map[int]chan event.InboundEvent),
	}
}

// Run consumes events until the stream closes or ctx ends, then waits for
// shard workers to drain and in-flight command handlers to finish.
func (d *Dispatcher) Run(ctx context.Context, events <-chan event.InboundEvent) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	for {
		var stop bool
		select {
		case <-ctx.Done():
			stop = true
		case ev, ok := <-events:
			if !ok {
				stop = true
				break
			}
			d.route(ctx, ev)
		}
		if stop {
			break
		}
	}

	d.closeWorkers()
	d.workerWg.Wait()
	d.commandWg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	log.Debug().Msg("dispatcher drained")
	return nil
}

// route hands the event to its shard's serial worker, creating the worker
// on first use. Same shard, same worker: arrival order holds end to end.
func (d *Dispatcher) route(ctx context.Context, ev event.InboundEvent) {
	d.mu.Lock()
	queue, ok := d.workers[ev.Shard.Index]
	if !ok {
		queue = make(chan event.InboundEvent, d.cfg.ShardQueueSize)
		d.workers[ev.Shard.Index] = queue
		d.workerWg.Add(1)
		go d.worker(ctx, ev.Shard.Index, queue)
	}
	d.mu.Unlock()

	select {
	case queue <- ev:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) closeWorkers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, queue := range d.workers {
		close(queue)
	}
	d.workers = make(map[int]chan event.InboundEvent)
}

// Workers reports how many shard workers exist.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

func (d *Dispatcher) worker(ctx context.Context, shardIndex int, queue <-chan event.InboundEvent) {
	defer d.workerWg.Done()
	for ev := range queue {
		d.process(ctx, ev)
	}
	log.Debug().Int("shard_index", shardIndex).Msg("shard worker drained")
}

func (d *Dispatcher) process(ctx context.Context, ev event.InboundEvent) {
	start := time.Now()
	d.cache.Apply(ev)
	observability.ObserveApplyDuration(time.Since(start))

	d.registry.Notify(ev)

	if d.handler != nil && commandShaped(ev) {
		d.handoff(ctx, ev)
	}
}

// commandShaped filters events worth offering to the command subsystem:
// user-authored messages. Bot-authored messages never trigger commands,
// which also keeps the bot from amplifying itself.
func commandShaped(ev event.InboundEvent) bool {
	mc, ok := ev.Data.(event.MessageCreate)
	return ok && !mc.Author.Bot
}

// handoff starts the handler on its own goroutine once a slot frees up.
func (d *Dispatcher) handoff(ctx context.Context, ev event.InboundEvent) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}

	d.commandWg.Add(1)
	observability.AddInflightCommands(1)
	go func() {
		defer d.commandWg.Done()
		defer d.sem.Release(1)
		defer observability.AddInflightCommands(-1)
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("shard", ev.Shard.String()).
					Str("type", ev.Type).
					Str("panic", fmt.Sprint(rec)).
					Msg("command handler panicked")
			}
		}()
		d.handler.Handle(ctx, ev, d.cache)
	}()
}
