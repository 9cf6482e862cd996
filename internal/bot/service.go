// Package bot assembles the runtime: REST bootstrap, shard cluster,
// cache, standby registry, dispatcher, and the admin surface.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/auth"
	"github.com/danmuck/wisp/internal/cache"
	"github.com/danmuck/wisp/internal/cluster"
	"github.com/danmuck/wisp/internal/command"
	"github.com/danmuck/wisp/internal/config"
	"github.com/danmuck/wisp/internal/dispatch"
	"github.com/danmuck/wisp/internal/protocol/wire"
	"github.com/danmuck/wisp/internal/rest"
	"github.com/danmuck/wisp/internal/standby"
)

var (
	ErrNotBootstrapped     = errors.New("bot: not bootstrapped")
	ErrAlreadyBootstrapped = errors.New("bot: already bootstrapped")
	ErrMissingEndpoint     = errors.New("bot: gateway url or api base url required")
)

// ServiceConfig carries everything the runtime needs. Nested configs keep
// their owning package's defaults when zero.
type ServiceConfig struct {
	Name  string
	Token string
	// GatewayURL skips REST discovery when set.
	GatewayURL string
	APIBaseURL string

	Cluster  cluster.Config
	Cache    cache.Config
	Standby  standby.Config
	Dispatch dispatch.Config

	CommandPrefix string
	// Respond receives command output; nil logs replies.
	Respond command.Responder

	// AdminAddr empty disables the admin surface.
	AdminAddr   string
	CorsOrigins []string

	ShutdownTimeout time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:            "wisp",
		CommandPrefix:   command.DefaultPrefix,
		AdminAddr:       ":9300",
		ShutdownTimeout: 10 * time.Second,
	}
}

// FromBotConfig maps a loaded config file onto runtime settings.
func FromBotConfig(fileCfg config.BotConfig) ServiceConfig {
	out := DefaultServiceConfig()
	if fileCfg.Name != "" {
		out.Name = fileCfg.Name
	}
	out.Token = fileCfg.Token
	out.GatewayURL = strings.TrimSpace(fileCfg.GatewayURL)
	out.APIBaseURL = strings.TrimSpace(fileCfg.APIBaseURL)
	out.Cluster = config.ClusterSettings(fileCfg)
	out.Cache = config.CacheSettings(fileCfg)
	out.Standby = config.StandbySettings(fileCfg)
	out.Dispatch = config.DispatchSettings(fileCfg)
	if fileCfg.Command.Prefix != "" {
		out.CommandPrefix = fileCfg.Command.Prefix
	}
	out.AdminAddr = fileCfg.Admin.Addr
	out.CorsOrigins = fileCfg.Admin.CorsOrigins
	return out
}

// Service owns component lifecycles. Construction wires the always-on
// pieces; Bootstrap resolves the gateway endpoint and builds the cluster.
type Service struct {
	cfg      ServiceConfig
	appeared time.Time

	store    *cache.Cache
	registry *standby.Registry
	commands *command.Registry
	router   *command.Router

	restClient *rest.Client
	clu        *cluster.Cluster
	disp       *dispatch.Dispatcher

	admin *http.Server

	mu           sync.Mutex
	bootstrapped bool
	serving      bool
	dispatchDone chan struct{}
	dispatchErr  error
	dispCancel   context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService validates the token and wires the stream-independent parts.
func NewService(cfg ServiceConfig) (*Service, error) {
	def := DefaultServiceConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	token, err := auth.NormalizeToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}
	cfg.Token = token

	s := &Service{
		cfg:      cfg,
		appeared: time.Now(),
		store:    cache.New(cfg.Cache),
		registry: standby.New(cfg.Standby),
		commands: command.NewRegistry(),
	}
	if err := command.RegisterBuiltins(s.commands, s.appeared); err != nil {
		return nil, err
	}
	respond := cfg.Respond
	if respond == nil {
		respond = command.LogResponder(cfg.Name)
	}
	s.router = command.NewRouter(cfg.CommandPrefix, s.commands, respond)
	return s, nil
}

// Bootstrap resolves the gateway endpoint, then constructs the cluster
// and dispatcher. Must be called once before Serve.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootstrapped {
		return ErrAlreadyBootstrapped
	}

	clusterCfg := s.cfg.Cluster
	clusterCfg.Gateway.Token = s.cfg.Token
	if s.cfg.GatewayURL != "" {
		clusterCfg.Gateway.URL = s.cfg.GatewayURL
	}

	if s.cfg.APIBaseURL != "" {
		restCfg := rest.DefaultConfig()
		restCfg.BaseURL = s.cfg.APIBaseURL
		restCfg.Token = s.cfg.Token
		client, err := rest.New(restCfg, nil)
		if err != nil {
			return err
		}
		s.restClient = client
	}

	if clusterCfg.Gateway.URL == "" {
		if s.restClient == nil {
			return ErrMissingEndpoint
		}
		info, err := s.restClient.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("bot: gateway discovery: %w", err)
		}
		clusterCfg.Gateway.URL = info.URL
		if clusterCfg.ShardCount == 0 {
			clusterCfg.ShardCount = info.Shards
		}
		log.Info().
			Str("url", info.URL).
			Int("recommended_shards", info.Shards).
			Int("sessions_remaining", info.SessionStartLimit.Remaining).
			Msg("gateway endpoint discovered")
	}

	var counter cluster.ShardCounter
	if s.restClient != nil {
		counter = s.restClient
	}
	clu, err := cluster.New(clusterCfg, counter)
	if err != nil {
		return err
	}
	s.clu = clu
	s.disp = dispatch.New(s.cfg.Dispatch, s.store, s.registry, s.router)
	s.bootstrapped = true

	log.Info().
		Str("bot", s.cfg.Name).
		Int("shards", clusterCfg.ShardCount).
		Str("admin_addr", s.cfg.AdminAddr).
		Str("prefix", s.router.Prefix()).
		Msg("bootstrap complete")
	return nil
}

// Serve starts the cluster, drains the merged stream through the
// dispatcher, and blocks until ctx cancels or a shard fails fatally.
func (s *Service) Serve(ctx context.Context) error {
	s.mu.Lock()
	if !s.bootstrapped {
		s.mu.Unlock()
		return ErrNotBootstrapped
	}
	if s.serving {
		s.mu.Unlock()
		return errors.New("bot: already serving")
	}
	s.serving = true

	dispCtx, dispCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.dispCancel = dispCancel
	s.dispatchDone = done
	s.mu.Unlock()

	if err := s.clu.Start(ctx); err != nil {
		dispCancel()
		s.mu.Lock()
		s.dispatchDone = nil
		s.serving = false
		s.mu.Unlock()
		return err
	}
	go func() {
		err := s.disp.Run(dispCtx, s.clu.Events())
		s.mu.Lock()
		s.dispatchErr = err
		s.mu.Unlock()
		close(done)
	}()

	var adminErr chan error
	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		adminErr = make(chan error, 1)
		srv := &http.Server{
			Addr:    s.cfg.AdminAddr,
			Handler: s.adminRouter(),
		}
		s.mu.Lock()
		s.admin = srv
		s.mu.Unlock()
		go func() {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			adminErr <- err
		}()
		log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin surface listening")
	}

	select {
	case <-ctx.Done():
		log.Info().Str("bot", s.cfg.Name).Msg("shutdown requested")
		return s.Shutdown(context.Background())
	case failure := <-s.clu.Fatal():
		log.Error().Err(failure).Msg("shard failed fatally")
		if err := s.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("teardown after fatal failure")
		}
		return failure
	case <-done:
		// Stream closed underneath us. A pending fatal explains why.
		s.mu.Lock()
		err := s.dispatchErr
		s.mu.Unlock()
		select {
		case failure := <-s.clu.Fatal():
			log.Error().Err(failure).Msg("shard failed fatally")
			if shutdownErr := s.Shutdown(context.Background()); shutdownErr != nil {
				log.Warn().Err(shutdownErr).Msg("teardown after fatal failure")
			}
			return failure
		default:
		}
		if shutdownErr := s.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
		return err
	case err := <-adminErr:
		log.Error().Err(err).Msg("admin surface failed")
		if shutdownErr := s.Shutdown(context.Background()); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("teardown after admin failure")
		}
		return fmt.Errorf("bot: admin surface: %w", err)
	}
}

// Shutdown tears down in reverse order: cluster first so the stream
// closes, dispatcher drains, then standby and the admin surface.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			defer cancel()
		}
		s.mu.Lock()
		done := s.dispatchDone
		dispCancel := s.dispCancel
		admin := s.admin
		s.mu.Unlock()
		var errs []error

		if s.clu != nil {
			if err := s.clu.Shutdown(ctx); err != nil && !errors.Is(err, cluster.ErrNotStarted) {
				errs = append(errs, err)
			}
		}
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				// Force workers down; inflight handlers get cancelled.
				if dispCancel != nil {
					dispCancel()
				}
				<-done
			}
			s.mu.Lock()
			if s.dispatchErr != nil {
				errs = append(errs, s.dispatchErr)
			}
			s.mu.Unlock()
		}
		if dispCancel != nil {
			dispCancel()
		}
		if s.registry != nil {
			s.registry.Close()
		}
		if admin != nil {
			if err := admin.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.shutdownErr = errors.Join(errs...)
		log.Info().Str("bot", s.cfg.Name).Err(s.shutdownErr).Msg("teardown complete")
	})
	return s.shutdownErr
}

// Run is the blocking entrypoint: bootstrap, serve, and tear down on
// SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Bootstrap(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Ready reports whether every shard has completed at least one handshake.
func (s *Service) Ready() bool {
	if s.clu == nil {
		return false
	}
	statuses := s.clu.ShardStatuses()
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if st.Handshakes < 1 {
			return false
		}
	}
	return true
}

// UpdatePresence fans the presence out to every shard.
func (s *Service) UpdatePresence(ctx context.Context, presence wire.PresenceUpdate) error {
	if s.clu == nil {
		return ErrNotBootstrapped
	}
	return s.clu.UpdatePresence(ctx, presence)
}

func (s *Service) Cache() *cache.Cache         { return s.store }
func (s *Service) Standby() *standby.Registry  { return s.registry }
func (s *Service) Commands() *command.Registry { return s.commands }
func (s *Service) Cluster() *cluster.Cluster   { return s.clu }
func (s *Service) Uptime() time.Duration       { return time.Since(s.appeared) }
