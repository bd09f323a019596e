// Package service assembles a chime node from configuration: broker
// transport, caches, the chime itself, its states file and the control API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chimenet/internal/audio"
	"chimenet/internal/auth"
	"chimenet/internal/cache"
	"chimenet/internal/chime"
	"chimenet/internal/config"
	"chimenet/internal/handlers"
	"chimenet/internal/logging"
	"chimenet/internal/models"
	"chimenet/internal/nats"
	"chimenet/internal/pubsub"
	"chimenet/internal/states"
)

const shutdownTimeout = 10 * time.Second

var ErrClosed = errors.New("service is closed")

// readyTransport is implemented by transports that can report broker health
type readyTransport interface {
	Ready() bool
}

// Service is one running chime node
type Service struct {
	config    *config.Config
	logger    *zap.Logger
	transport pubsub.Transport
	network   *pubsub.Network
	seen      *cache.SeenCache
	peers     *cache.PeerDirectory
	manager   *chime.Manager
	auth      *auth.JWTMiddleware

	mu          sync.Mutex
	chime       *chime.Instance
	loader      *states.Loader
	watcher     *states.Watcher
	peerWatcher *chime.PeerWatcher
	router      http.Handler
	started     bool
	closed      bool
}

// Ready reports whether the broker connection is usable
func (s *Service) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.network.Client().IsConnected() {
		return pubsub.ErrNotConnected
	}
	if rt, ok := s.transport.(readyTransport); ok && !rt.Ready() {
		return errors.New("broker connection is down")
	}
	return nil
}

// Start brings the chime online, applies the states file and initial mode,
// and begins watching peers and the states file. It does not serve HTTP.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	svc := s.config.Service
	inst, err := s.manager.Add(ctx, chime.Options{
		ID:          svc.ChimeID,
		Name:        svc.ChimeName,
		Description: svc.Description,
		Notes:       svc.Notes,
		Chords:      svc.Chords,
		NodeID:      svc.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to start chime: %w", err)
	}
	s.chime = inst
	s.loader = states.NewLoader(inst.Node(), s.logger)

	if err := s.startLocked(ctx); err != nil {
		_ = s.manager.Shutdown(ctx)
		return err
	}

	s.router = handlers.NewRouter(handlers.RouterConfig{
		Chime:  handlers.NewChimeHandler(inst, s.peers, s.logger),
		Health: handlers.NewHealthHandler(s, func() interface{} { return inst.Status() }),
		Auth:   s.authMiddleware(),
		CORS:   handlers.CORSConfigFromEnv(),
	})
	s.started = true
	s.logger.Info("Chime node started",
		zap.String("user", s.network.User()),
		zap.String("chime_id", inst.ID()),
		zap.Stringer("mode", inst.Node().Mode()))
	return nil
}

func (s *Service) startLocked(ctx context.Context) error {
	pc := s.config.Presence
	if pc.StatesFile != "" {
		res, err := s.loader.ApplyFile(pc.StatesFile)
		if err != nil {
			return fmt.Errorf("failed to load states: %w", err)
		}
		s.logger.Info("States loaded", zap.String("path", pc.StatesFile),
			zap.Strings("added", res.Added))
	}

	if pc.InitialMode != "" {
		mode := models.ParseMode(pc.InitialMode)
		if mode != s.chime.Node().Mode() {
			if err := s.chime.SetMode(ctx, mode); err != nil {
				return fmt.Errorf("failed to set initial mode %q: %w", pc.InitialMode, err)
			}
		}
	}

	if pc.StatesFile != "" && pc.WatchStates {
		inst := s.chime
		w, err := states.NewWatcher(pc.StatesFile, s.loader, s.logger, func(states.Result) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			inst.StatesChanged(ctx)
		})
		if err != nil {
			return err
		}
		if err := w.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to watch states file: %w", err)
		}
		s.watcher = w
	}

	if len(pc.WatchPeers) > 0 {
		s.peerWatcher = chime.NewPeerWatcher(s.network, s.peers, s.logger)
		for _, user := range pc.WatchPeers {
			if err := s.peerWatcher.Watch(ctx, user); err != nil {
				return fmt.Errorf("failed to watch peer %q: %w", user, err)
			}
		}
	}
	return nil
}

func (s *Service) authMiddleware() func(http.Handler) http.Handler {
	if s.auth == nil {
		return nil
	}
	return s.auth.Authenticate
}

// Run starts the service, serves the control API until ctx is done and then
// shuts everything down
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	port := s.config.Service.Port
	if port <= 0 {
		s.logger.Info("Control API disabled")
		<-ctx.Done()
		return s.Close(context.Background())
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Control API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, s.Close(cctx))
}

// Close stops watchers, shuts the chime down and releases the caches
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher := s.watcher
	s.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	err := s.manager.Shutdown(ctx)
	s.network.Client().Wait()
	s.seen.Close()
	s.peers.Close()
	s.logger.Info("Chime node stopped")
	_ = s.logger.Sync()
	return err
}

// Router returns the control API handler, nil before Start
func (s *Service) Router() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router
}

// Chime returns the chime of this node, nil before Start
func (s *Service) Chime() *chime.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chime
}

// Manager returns the chime manager
func (s *Service) Manager() *chime.Manager { return s.manager }

// Network returns the node's network
func (s *Service) Network() *pubsub.Network { return s.network }

// Peers returns the peer directory
func (s *Service) Peers() *cache.PeerDirectory { return s.peers }

// Loader returns the states loader, nil before Start
func (s *Service) Loader() *states.Loader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loader
}

// Auth returns the token middleware, nil when authentication is disabled
func (s *Service) Auth() *auth.JWTMiddleware { return s.auth }

// BrokerURL returns the client URL of the broker, empty for non-NATS transports
func (s *Service) BrokerURL() string {
	if t, ok := s.transport.(*nats.Transport); ok {
		return t.URL()
	}
	return ""
}

// ServiceBuilder assembles a Service from configuration
type ServiceBuilder struct {
	config    *config.Config
	logger    *zap.Logger
	transport pubsub.Transport
	clock     clock.Clock
	player    audio.Player
}

// NewServiceBuilder creates a builder
func NewServiceBuilder(config *config.Config) *ServiceBuilder {
	return &ServiceBuilder{config: config}
}

// WithLogger overrides the logger built from the logging configuration
func (b *ServiceBuilder) WithLogger(logger *zap.Logger) *ServiceBuilder {
	b.logger = logger
	return b
}

// WithTransport replaces the NATS transport
func (b *ServiceBuilder) WithTransport(t pubsub.Transport) *ServiceBuilder {
	b.transport = t
	return b
}

// WithClock sets the clock of the presence timers
func (b *ServiceBuilder) WithClock(clk clock.Clock) *ServiceBuilder {
	b.clock = clk
	return b
}

// WithPlayer sets the sound output of the chime
func (b *ServiceBuilder) WithPlayer(p audio.Player) *ServiceBuilder {
	b.player = p
	return b
}

// Build builds and wires all service components. Nothing touches the network until Start.
func (b *ServiceBuilder) Build() (*Service, error) {
	cfg := b.config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
	}

	transport := b.transport
	if transport == nil {
		transport = nats.NewTransport(nats.Config{
			ServerURL:    cfg.Broker.ServerURL,
			ClientName:   cfg.Broker.ClientName,
			BucketName:   cfg.Broker.RetainedBucket,
			Embedded:     cfg.Broker.Embedded,
			DataDir:      cfg.Broker.DataDir,
			NodeType:     cfg.Broker.NodeType,
			CenterURL:    cfg.Broker.CenterURL,
			MQTTPort:     cfg.Broker.MQTTPort,
			LeafPort:     cfg.Broker.LeafPort,
			ClusterPort:  cfg.Broker.ClusterPort,
			StartTimeout: cfg.Broker.StartTimeout,
		}, logger)
	}

	network, err := pubsub.NewNetwork(pubsub.NewClient(transport, logger), cfg.Service.User)
	if err != nil {
		return nil, err
	}

	cacheConfig := cache.RistrettoConfig{
		MaxCost:     cfg.Cache.MaxCost,
		NumCounters: cfg.Cache.NumCounters,
		BufferItems: cfg.Cache.BufferItems,
		Metrics:     cfg.Cache.Metrics,
	}
	if cacheConfig.MaxCost <= 0 {
		cacheConfig = cache.DefaultRistrettoConfig()
	}
	seen, err := cache.NewSeenCache(cacheConfig, durationOr(cfg.Cache.DedupTTL, 10*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create ring cache: %w", err)
	}
	peers, err := cache.NewPeerDirectory(cacheConfig, durationOr(cfg.Cache.PeerTTL, 15*time.Minute))
	if err != nil {
		seen.Close()
		return nil, fmt.Errorf("failed to create peer directory: %w", err)
	}

	player := b.player
	if player == nil {
		player = audio.NewLogPlayer(logger)
	}

	s := &Service{
		config:    cfg,
		logger:    logger.Named("service"),
		transport: transport,
		network:   network,
		seen:      seen,
		peers:     peers,
		manager: chime.NewManager(network, chime.Options{
			Clock:            b.clock,
			Logger:           logger,
			Player:           player,
			Seen:             seen,
			MonitorInterval:  durationOr(cfg.Presence.MonitorInterval, 0),
			AnnounceInterval: durationOr(cfg.Presence.AnnounceInterval, 0),
		}),
	}
	if cfg.Auth.Enabled() {
		s.auth = auth.NewJWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	}
	return s, nil
}

// durationOr parses v, falling back to def when v is empty. v was validated with the config.
func durationOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
