// Package daemon hosts the long-lived supervisor: dependency wiring, the
// cycle scheduler, the admin HTTP surface, health checks, and shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/prmonitor/internal/cache"
	"git.home.luguber.info/inful/prmonitor/internal/config"
	"git.home.luguber.info/inful/prmonitor/internal/discovery"
	"git.home.luguber.info/inful/prmonitor/internal/events"
	"git.home.luguber.info/inful/prmonitor/internal/github"
	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/metrics"
	"git.home.luguber.info/inful/prmonitor/internal/orchestrator"
	"git.home.luguber.info/inful/prmonitor/internal/ratelimit"
	"git.home.luguber.info/inful/prmonitor/internal/store"
)

const (
	rateReconcileInterval = 15 * time.Minute
	shutdownGrace         = 10 * time.Second
)

// Supervisor owns every long-lived component of the daemon and runs the
// discovery loop until the context is cancelled.
type Supervisor struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	logLevel   *slog.LevelVar

	store     *store.Store
	cache     *cache.TwoTier
	limiter   *ratelimit.Limiter
	client    *github.Client
	publisher events.Publisher
	engine    *orchestrator.Engine
	registry  *prom.Registry
	health    *HealthChecker
	http      *HTTPServer
	scheduler gocron.Scheduler
	group     *WorkerGroup
	watcher   *ConfigWatcher
}

// NewSupervisor wires every dependency from the configuration. configPath
// enables the live config watcher when non-empty.
func NewSupervisor(cfg *config.Config, configPath string, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.New(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	twoTier, err := cache.New(cache.Options{
		RedisURL:     cfg.Cache.URL,
		L1MaxEntries: cfg.Cache.L1MaxEntries,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build cache: %w", err)
	}

	limiter := ratelimit.New(ratelimit.DefaultLimits())

	client, err := github.NewClient(cfg.GitHub.APIURL, cfg.GitHub.Token,
		github.WithRateObserver(func(info github.RateInfo) {
			// Header-borne limits apply to the core resource.
			limiter.UpdateLimits(ratelimit.ResourceCore, info.Limit, info.Remaining, info.Reset)
		}))
	if err != nil {
		_ = twoTier.Close()
		_ = st.Close()
		return nil, fmt.Errorf("build github client: %w", err)
	}

	useETag := cfg.Discovery.UseETagCaching == nil || *cfg.Discovery.UseETagCaching
	checks := discovery.NewCheckDiscoverer(client, twoTier, cfg.CacheTTL(), useETag)
	scanner := discovery.NewScanner(client, twoTier, checks, discovery.ScannerOptions{
		CacheTTL:       cfg.CacheTTL(),
		UseETagCaching: useETag,
		MaxPRs:         cfg.Discovery.MaxPRsPerRepository,
	})

	loader := store.NewStateLoader(st, twoTier, logger)
	syncer := store.NewSynchronizer(st, loader, logger).
		WithBatchSize(cfg.Discovery.BatchSize)

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.NATSURL != "" {
		publisher, err = events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			_ = twoTier.Close()
			_ = st.Close()
			return nil, fmt.Errorf("build event publisher: %w", err)
		}
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	engine := orchestrator.New(st, scanner, loader, syncer, orchestrator.Options{
		MaxConcurrent:             cfg.Discovery.MaxConcurrentRepositories,
		DisablePriorityScheduling: cfg.Discovery.PriorityScheduling != nil && !*cfg.Discovery.PriorityScheduling,
	}).
		WithPublisher(publisher).
		WithLimiter(limiter).
		WithCache(twoTier).
		WithRecorder(recorder).
		WithLogger(logger)

	s := &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      st,
		cache:      twoTier,
		limiter:    limiter,
		client:     client,
		publisher:  publisher,
		engine:     engine,
		registry:   registry,
		group:      &WorkerGroup{},
	}
	s.health = s.buildHealthChecker()
	s.http = NewHTTPServer(cfg.Server.Addr, engine, s.health, registry, logger)
	return s, nil
}

// Engine exposes the orchestrator, for the status command and tests.
func (s *Supervisor) Engine() *orchestrator.Engine { return s.engine }

// WithLogLevel hands over the handler's level var so config reloads can
// adjust verbosity without a restart.
func (s *Supervisor) WithLogLevel(v *slog.LevelVar) *Supervisor {
	s.logLevel = v
	return s
}

// Run blocks until ctx is cancelled, then shuts everything down in order.
func (s *Supervisor) Run(ctx context.Context) error {
	s.limiter.Start()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.scheduler = scheduler

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.Interval()),
		gocron.NewTask(func() { s.runCycle(ctx) }),
		gocron.WithName("discovery-cycle"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule discovery cycle: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(rateReconcileInterval),
		gocron.NewTask(func() { s.reconcileRateLimits(ctx) }),
		gocron.WithName("rate-limit-reconcile"),
	)
	if err != nil {
		return fmt.Errorf("schedule rate-limit reconciliation: %w", err)
	}

	scheduler.Start()

	s.group.Go(func() {
		if err := s.http.Start(); err != nil {
			s.logger.Error("admin http server failed", logfields.Error(err))
		}
	})

	if s.configPath != "" {
		watcher, err := NewConfigWatcher(s.configPath, s.applyConfig, s.logger)
		if err != nil {
			s.logger.Warn("config watcher unavailable", logfields.Error(err))
		} else if err := watcher.Start(s.group); err != nil {
			s.logger.Warn("config watcher failed to start", logfields.Error(err))
		} else {
			s.watcher = watcher
		}
	}

	s.logger.Info("daemon started",
		slog.String("interval", s.cfg.Interval().String()),
		logfields.URL(s.cfg.Server.Addr))

	<-ctx.Done()
	return s.shutdown()
}

// runCycle queries due repositories and hands them to the engine.
func (s *Supervisor) runCycle(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx := parent
	if timeout := s.cfg.DiscoveryTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	due, err := s.store.DueForPolling(ctx, time.Now())
	if err != nil {
		s.logger.Error("due-repository query failed", logfields.Error(err))
		return
	}
	if len(due) == 0 {
		s.logger.Debug("no repositories due for polling")
		return
	}

	ids := make([]uuid.UUID, len(due))
	for i, repo := range due {
		ids[i] = repo.ID
	}
	s.engine.RunCycle(ctx, ids)
}

// reconcileRateLimits pulls /rate_limit and feeds the authoritative numbers
// into the token buckets, catching drift that response headers missed.
func (s *Supervisor) reconcileRateLimits(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	limits, err := s.client.GetRateLimit(ctx)
	if err != nil {
		s.logger.Warn("rate-limit reconciliation failed", logfields.Error(err))
		return
	}
	for _, resource := range []ratelimit.Resource{ratelimit.ResourceCore, ratelimit.ResourceSearch, ratelimit.ResourceGraphQL} {
		rate, ok := limits.Resources[string(resource)]
		if !ok {
			continue
		}
		s.limiter.UpdateLimits(resource, rate.Limit, rate.Remaining, time.Unix(rate.Reset, 0))
	}
	s.logger.Debug("rate limits reconciled")
}

// applyConfig handles a config reload: only the log level is applied live;
// structural changes need a restart.
func (s *Supervisor) applyConfig(cfg *config.Config) {
	if s.logLevel != nil {
		if level := cfg.Logging.SlogLevel(); level != s.logLevel.Level() {
			s.logLevel.Set(level)
			s.logger.Info("log level updated", slog.String("level", level.String()))
		}
	}
	if cfg.Discovery.IntervalSeconds != s.cfg.Discovery.IntervalSeconds {
		s.logger.Info("interval change requires restart",
			slog.Int("current_seconds", s.cfg.Discovery.IntervalSeconds),
			slog.Int("new_seconds", cfg.Discovery.IntervalSeconds))
	}
}

func (s *Supervisor) buildHealthChecker() *HealthChecker {
	h := NewHealthChecker()
	h.Register(Probe{
		Name:     "database",
		Required: true,
		Check:    s.store.Ping,
	})
	h.Register(Probe{
		Name: "cache",
		Check: func(ctx context.Context) error {
			for _, layer := range s.cache.HealthCheck(ctx) {
				if !layer.Healthy {
					return fmt.Errorf("%s: %s", layer.Name, layer.Message)
				}
			}
			return nil
		},
	})
	h.Register(Probe{
		Name:    "github",
		Timeout: 10 * time.Second,
		Check: func(ctx context.Context) error {
			_, err := s.client.GetRateLimit(ctx)
			return err
		},
	})
	h.Register(Probe{
		Name: "rate_limiter",
		Check: func(context.Context) error {
			status := s.limiter.Status()[ratelimit.ResourceCore]
			if status.RemoteLimit > 0 && status.RemoteRemaining == 0 {
				return fmt.Errorf("core rate limit exhausted until %s", status.RemoteReset.Format(time.RFC3339))
			}
			return nil
		},
	})
	h.Register(Probe{
		Name: "engine",
		Check: func(context.Context) error {
			if status := s.engine.Status(); status.Status == "degraded" {
				return fmt.Errorf("engine degraded: %d recent errors", status.Errors)
			}
			return nil
		},
	})
	return h
}

// shutdown stops components in dependency order: scheduler first so no new
// cycles start, then the dispatcher, servers, and finally the stores.
func (s *Supervisor) shutdown() error {
	s.logger.Info("daemon shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			s.logger.Warn("scheduler shutdown failed", logfields.Error(err))
		}
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown failed", logfields.Error(err))
	}
	if err := s.group.StopAndWait(ctx); err != nil {
		s.logger.Warn("worker group did not drain", logfields.Error(err))
	}

	s.limiter.Stop()
	if err := s.publisher.Close(); err != nil {
		s.logger.Warn("publisher close failed", logfields.Error(err))
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("cache close failed", logfields.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", logfields.Error(err))
	}
	s.logger.Info("daemon stopped")
	return nil
}
