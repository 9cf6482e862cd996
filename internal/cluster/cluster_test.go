package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/wisp/internal/gateway"
	"github.com/danmuck/wisp/internal/model"
	"github.com/danmuck/wisp/internal/protocol/event"
	"github.com/danmuck/wisp/internal/protocol/wire"
	"github.com/danmuck/wisp/internal/testutil/gwtest"
	"github.com/danmuck/wisp/internal/testutil/testlog"
)

type staticCounter int

func (c staticCounter) RecommendedShards(context.Context) (int, error) {
	return int(c), nil
}

func testClusterConfig(url, token string, shards int) Config {
	cfg := DefaultConfig()
	cfg.ShardCount = shards
	cfg.Gateway.URL = url
	cfg.Gateway.Token = token
	cfg.Gateway.ConnectTimeout = time.Second
	cfg.Gateway.HandshakeTimeout = time.Second
	cfg.Gateway.Backoff = gateway.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     50 * time.Millisecond,
		Jitter:       false,
	}
	return cfg
}

func collectEvent(t *testing.T, events <-chan event.InboundEvent, eventType string, shard int) event.InboundEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s on shard %d", eventType, shard)
			}
			if ev.Type == eventType && ev.Shard.Index == shard {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on shard %d", eventType, shard)
		}
	}
}

func shutdownCluster(t *testing.T, c *Cluster) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for range c.Events() {
	}
}

func TestClusterMergesShardStreams(t *testing.T) {
	testlog.Start(t)

	srv := gwtest.New(gwtest.Config{Token: "token.alpha", TotalShards: 2})
	url, err := srv.StartLocal()
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer srv.Close()

	c, err := New(testClusterConfig(url, "token.alpha", 2), nil)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	if err := srv.WaitConnected(ctx, 2); err != nil {
		t.Fatalf("wait connected: %v", err)
	}

	for shard := 0; shard < 2; shard++ {
		msg := model.Message{ID: "m", ChannelID: "c", Author: model.User{ID: "u"}}
		if err := srv.Inject(shard, event.TypeMessageCreate, msg); err != nil {
			t.Fatalf("inject shard %d: %v", shard, err)
		}
	}
	collectEvent(t, c.Events(), event.TypeMessageCreate, 0)
	collectEvent(t, c.Events(), event.TypeMessageCreate, 1)

	statuses := c.ShardStatuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses=%d", len(statuses))
	}
	for _, st := range statuses {
		if st.Status != "connected" {
			t.Fatalf("shard %s status=%s", st.Shard, st.Status)
		}
	}

	shutdownCluster(t, c)
}

func TestClusterFatalOnBadCredentials(t *testing.T) {
	testlog.Start(t)

	srv := gwtest.New(gwtest.Config{Token: "token.alpha"})
	url, err := srv.StartLocal()
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer srv.Close()

	c, err := New(testClusterConfig(url, "token.wrong", 1), nil)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cluster: %v", err)
	}

	select {
	case failure := <-c.Fatal():
		var handshake *gateway.HandshakeError
		if !errors.As(failure.Err, &handshake) {
			t.Fatalf("expected handshake error, got %v", failure.Err)
		}
		if handshake.Code != wire.CloseAuthenticationFailed {
			t.Fatalf("close code=%d", int(handshake.Code))
		}
		if failure.Shard.Index != 0 {
			t.Fatalf("failure shard=%+v", failure.Shard)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("fatal failure never surfaced")
	}

	// Rejection must not trigger a retry loop.
	for range c.Events() {
	}
	if got := srv.IdentifyAttempts(); got != 1 {
		t.Fatalf("identify attempts=%d, want 1", got)
	}
}

func TestClusterReconnectsAfterConnectionLoss(t *testing.T) {
	testlog.Start(t)

	srv := gwtest.New(gwtest.Config{Token: "token.alpha"})
	url, err := srv.StartLocal()
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer srv.Close()

	c, err := New(testClusterConfig(url, "token.alpha", 1), nil)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	if err := srv.WaitConnected(ctx, 1); err != nil {
		t.Fatalf("wait connected: %v", err)
	}

	if err := srv.CloseShard(0, int(wire.CloseUnknownError), "restart"); err != nil {
		t.Fatalf("close shard: %v", err)
	}
	if err := srv.WaitConnected(ctx, 1); err != nil {
		t.Fatalf("wait reconnected: %v", err)
	}

	sessions := srv.Sessions()
	if len(sessions) != 1 || sessions[0].Resumes < 1 {
		t.Fatalf("expected resumed session, got %+v", sessions)
	}

	shutdownCluster(t, c)
}

func TestClusterRetriesExhaustedSurfacesFatal(t *testing.T) {
	testlog.Start(t)

	// Nothing listens here; every dial fails.
	cfg := testClusterConfig("ws://127.0.0.1:1/", "token.alpha", 1)
	cfg.MaxReconnectAttempts = 2

	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cluster: %v", err)
	}

	select {
	case failure := <-c.Fatal():
		if !errors.Is(failure.Err, ErrRetriesExhausted) {
			t.Fatalf("expected retries exhausted, got %v", failure.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fatal failure never surfaced")
	}
	for range c.Events() {
	}
}

func TestClusterResolvesAutoShardCount(t *testing.T) {
	testlog.Start(t)

	srv := gwtest.New(gwtest.Config{Token: "token.alpha", TotalShards: 3})
	url, err := srv.StartLocal()
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer srv.Close()

	c, err := New(testClusterConfig(url, "token.alpha", 0), staticCounter(3))
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	if err := srv.WaitConnected(ctx, 3); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	if got := len(c.ShardStatuses()); got != 3 {
		t.Fatalf("shard count=%d", got)
	}

	shutdownCluster(t, c)
}

func TestClusterRequiresCounterForAutoCount(t *testing.T) {
	testlog.Start(t)
	if _, err := New(testClusterConfig("ws://localhost/", "token", 0), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestClusterStaggersShardStarts(t *testing.T) {
	testlog.Start(t)

	srv := gwtest.New(gwtest.Config{Token: "token.alpha", TotalShards: 2})
	url, err := srv.StartLocal()
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer srv.Close()

	cfg := testClusterConfig(url, "token.alpha", 2)
	cfg.StartStagger = 150 * time.Millisecond
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started := time.Now()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	if err := srv.WaitConnected(ctx, 2); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	if elapsed := time.Since(started); elapsed < cfg.StartStagger {
		t.Fatalf("second shard connected in %s, before its %s stagger", elapsed, cfg.StartStagger)
	}

	shutdownCluster(t, c)
}

func TestClusterUpdatePresenceFanOut(t *testing.T) {
	testlog.Start(t)

	srv := gwtest.New(gwtest.Config{Token: "token.alpha", TotalShards: 2})
	url, err := srv.StartLocal()
	if err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer srv.Close()

	c, err := New(testClusterConfig(url, "token.alpha", 2), nil)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	if err := srv.WaitConnected(ctx, 2); err != nil {
		t.Fatalf("wait connected: %v", err)
	}

	update := wire.PresenceUpdate{Status: "online", Activities: []wire.PresenceActivity{{Name: "uptime", Type: 0}}}
	if err := c.UpdatePresence(ctx, update); err != nil {
		t.Fatalf("update presence: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		received := 0
		for _, sess := range srv.Sessions() {
			received += sess.Presences
		}
		if received >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("presence updates received=%d, want 2", received)
		case <-time.After(10 * time.Millisecond):
		}
	}

	shutdownCluster(t, c)
}
