// Package cluster supervises the full set of shards: one reconnect loop
// per shard with jittered backoff, a merged inbound event stream, and
// fatal-failure surfacing.
//
// Ownership boundary:
// - shard construction and lifetime; shards are never handed out
// - reconnect policy (backoff, retry caps, fatal classification)
// - the merged Events stream: open from Start until every loop stops
package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/wisp/internal/gateway"
	"github.com/danmuck/wisp/internal/observability"
	"github.com/danmuck/wisp/internal/protocol/event"
	"github.com/danmuck/wisp/internal/protocol/wire"
)

var (
	ErrInvalidConfig    = errors.New("cluster: invalid config")
	ErrAlreadyStarted   = errors.New("cluster: already started")
	ErrNotStarted       = errors.New("cluster: not started")
	ErrRetriesExhausted = errors.New("cluster: reconnect attempts exhausted")
)

// ShardFailure is the unrecoverable failure surfaced when a shard stops
// permanently. One shard failing fatally brings the whole cluster down.
type ShardFailure struct {
	Shard wire.ShardID
	Err   error
}

func (f ShardFailure) Error() string {
	return fmt.Sprintf("cluster: shard %s failed: %v", f.Shard, f.Err)
}

func (f ShardFailure) Unwrap() error {
	return f.Err
}

// ShardCounter supplies the gateway-recommended shard count when the
// configuration leaves it on auto.
type ShardCounter interface {
	RecommendedShards(ctx context.Context) (int, error)
}

// Config defines cluster topology and retry policy.
type Config struct {
	// ShardCount of zero means auto: resolve via the ShardCounter.
	ShardCount int
	Gateway    gateway.Config
	// EventBuffer is the merged stream's capacity.
	EventBuffer int
	// StartStagger spaces the initial connect of consecutive shards so
	// identifies do not land in one burst. Zero starts them together.
	StartStagger time.Duration
	// MaxReconnectAttempts caps consecutive failed attempts per shard
	// before the failure turns fatal. Zero means retry forever.
	MaxReconnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		Gateway:     gateway.DefaultConfig(),
		EventBuffer: 256,
	}
}

func (c Config) WithDefaults() Config {
	c.Gateway = c.Gateway.WithDefaults()
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultConfig().EventBuffer
	}
	return c
}

func (c Config) Validate() error {
	if c.ShardCount < 0 {
		return fmt.Errorf("%w: negative shard count", ErrInvalidConfig)
	}
	if c.StartStagger < 0 {
		return fmt.Errorf("%w: negative start stagger", ErrInvalidConfig)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: negative reconnect cap", ErrInvalidConfig)
	}
	return c.Gateway.Validate()
}

// ShardStatus is a read-only view of one shard for status surfaces.
type ShardStatus struct {
	Shard      string `json:"shard"`
	Status     string `json:"status"`
	Seq        int    `json:"seq"`
	Handshakes int64  `json:"handshakes"`
}

// Cluster owns every shard and their supervision loops.
type Cluster struct {
	cfg     Config
	counter ShardCounter

	events chan event.InboundEvent
	fatal  chan ShardFailure

	mu      sync.Mutex
	shards  []*gateway.Shard
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds an idle cluster. counter may be nil when Config.ShardCount
// is explicit.
func New(cfg Config, counter ShardCounter) (*Cluster, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShardCount == 0 && counter == nil {
		return nil, fmt.Errorf("%w: auto shard count requires a recommendation source", ErrInvalidConfig)
	}
	return &Cluster{
		cfg:     cfg,
		counter: counter,
		events:  make(chan event.InboundEvent, cfg.EventBuffer),
		fatal:   make(chan ShardFailure, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start resolves the shard count, spawns one supervision loop per shard,
// and returns. The merged stream stays open until every loop stops.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	count, err := c.resolveShardCount(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	shards := make([]*gateway.Shard, 0, count)
	for i := 0; i < count; i++ {
		shard, err := gateway.NewShard(wire.ShardID{Index: i, Total: count}, c.cfg.Gateway)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		shards = append(shards, shard)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.shards = shards
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for i, shard := range shards {
		hold := time.Duration(i) * c.cfg.StartStagger
		g.Go(func() error {
			if hold > 0 {
				if err := c.waitReconnect(gctx, hold); err != nil {
					return nil
				}
			}
			return c.runShard(gctx, shard)
		})
	}
	go func() {
		err := g.Wait()
		if err != nil && runCtx.Err() == nil {
			var failure ShardFailure
			if !errors.As(err, &failure) {
				failure = ShardFailure{Err: err}
			}
			c.fatal <- failure
		}
		close(c.events)
		close(c.done)
	}()

	log.Info().Int("shards", count).Msg("cluster started")
	return nil
}

// Events is the merged inbound stream. Order is preserved within a shard,
// not across shards. The channel closes only when the cluster stops.
func (c *Cluster) Events() <-chan event.InboundEvent {
	return c.events
}

// Fatal delivers the first unrecoverable shard failure, if any.
func (c *Cluster) Fatal() <-chan ShardFailure {
	return c.fatal
}

// Shutdown signals every shard loop to close and waits for them.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	cancel()
	select {
	case <-c.done:
		log.Info().Msg("cluster stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShardStatuses snapshots every shard, ordered by index.
func (c *Cluster) ShardStatuses() []ShardStatus {
	c.mu.Lock()
	shards := c.shards
	c.mu.Unlock()

	out := make([]ShardStatus, 0, len(shards))
	for _, shard := range shards {
		seq, _ := shard.Seq()
		out = append(out, ShardStatus{
			Shard:      shard.ID().String(),
			Status:     shard.Status().String(),
			Seq:        seq,
			Handshakes: shard.Handshakes(),
		})
	}
	return out
}

// UpdatePresence fans the presence change out to every connected shard.
func (c *Cluster) UpdatePresence(ctx context.Context, presence wire.PresenceUpdate) error {
	c.mu.Lock()
	shards := c.shards
	c.mu.Unlock()
	if len(shards) == 0 {
		return ErrNotStarted
	}

	var errs []error
	for _, shard := range shards {
		if err := shard.UpdatePresence(ctx, presence); err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", shard.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Cluster) resolveShardCount(ctx context.Context) (int, error) {
	if c.cfg.ShardCount > 0 {
		return c.cfg.ShardCount, nil
	}
	count, err := c.counter.RecommendedShards(ctx)
	if err != nil {
		return 0, fmt.Errorf("cluster: resolve shard count: %w", err)
	}
	if count <= 0 {
		return 0, fmt.Errorf("%w: recommended shard count %d", ErrInvalidConfig, count)
	}
	log.Info().Int("shards", count).Msg("using recommended shard count")
	return count, nil
}

// runShard drives one shard's connect/stream/reconnect loop until the
// context ends or the failure is fatal. Fatal handshake rejections are
// never retried; transient failures back off with jitter, and the attempt
// counter resets after any connection that completed its handshake.
func (c *Cluster) runShard(ctx context.Context, shard *gateway.Shard) error {
	id := shard.ID()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id.Index)))
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		before := shard.Handshakes()
		err := shard.Run(ctx, c.events)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		if shard.Handshakes() > before {
			attempt = 0
		}

		var handshake *gateway.HandshakeError
		if errors.As(err, &handshake) {
			log.Error().Str("shard", id.String()).Err(err).Msg("fatal handshake rejection")
			return ShardFailure{Shard: id, Err: err}
		}

		attempt++
		observability.RecordReconnect(id.String())
		if c.cfg.MaxReconnectAttempts > 0 && attempt >= c.cfg.MaxReconnectAttempts {
			return ShardFailure{
				Shard: id,
				Err:   fmt.Errorf("%w: %d consecutive failures: %v", ErrRetriesExhausted, attempt, err),
			}
		}

		delay := gateway.NextBackoffDelay(c.cfg.Gateway.Backoff, attempt, rng)
		log.Warn().
			Str("shard", id.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("shard connection lost; reconnecting")
		if err := c.waitReconnect(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Cluster) waitReconnect(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
