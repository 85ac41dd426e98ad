// ============================================================================
// dlqueue controller - process composition root
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: builds every component from the configuration and runs them
//
// Components:
//   - Store: file journal + snapshots, or MySQL through gorm
//   - Bus: notification fan-out to the log, the websocket hub and Redis
//   - StateMachine / Tracker / Executors / Oracle: the download core
//   - Queue: the scheduler, reconciled against the store on construction
//   - HTTP (gin) and gRPC admin surfaces
//
// Lifecycle:
//   New      opens the store and recovers the queue; listeners are bound
//   Run      starts the loops and servers, blocks until ctx is cancelled,
//            then stops the queue before the servers
//   Close    releases the store and the Redis client
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/download-queue/internal/config"
	"github.com/ChuLiYu/download-queue/internal/executor"
	"github.com/ChuLiYu/download-queue/internal/jobmanager"
	"github.com/ChuLiYu/download-queue/internal/metrics"
	"github.com/ChuLiYu/download-queue/internal/notify"
	"github.com/ChuLiYu/download-queue/internal/oracle"
	"github.com/ChuLiYu/download-queue/internal/queue"
	"github.com/ChuLiYu/download-queue/internal/reputation"
	"github.com/ChuLiYu/download-queue/internal/server"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/internal/storage/filestore"
	"github.com/ChuLiYu/download-queue/internal/storage/sqlstore"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Options are process-level settings that do not live in the config file.
type Options struct {
	// ConfigPath is watched for changes while running. Empty disables reloads.
	ConfigPath string
	Logger     *zap.Logger
	// Seed for the simulated executor. Zero uses the clock.
	Seed int64
}

// Controller owns every long-lived component of the process.
type Controller struct {
	cfg  *config.Config
	opts Options
	log  *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	store     storage.Store
	bus       *notify.Bus
	hub       *notify.Hub
	redis     *redis.Client

	sm        *jobmanager.StateMachine
	tracker   *reputation.Tracker
	executors *executor.Registry
	sim       *executor.Simulated
	queue     *queue.Queue

	httpSrv *http.Server
	grpcSrv *grpc.Server
	httpLis net.Listener
	grpcLis net.Listener

	closeOnce sync.Once
	closeErr  error
}

// New builds the components, recovers the queue from the store and binds
// both listeners. On error everything opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Controller, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Controller{cfg: cfg, opts: opts, log: log.Named("controller")}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.collector = metrics.NewCollector(c.registry)

	if c.store, err = openStore(cfg.Storage, log); err != nil {
		return nil, err
	}

	c.bus = notify.NewBus(cfg.Notify.BufferSize, notify.WithLogger(log), notify.WithMetrics(c.collector))
	c.bus.AddSink(notify.NewLogSink(log))
	c.hub = notify.NewHub(log, allowOrigins(cfg.Server.CORSOrigins))
	c.bus.AddSink(c.hub)
	if cfg.Notify.Redis.Enabled {
		rc := cfg.Notify.Redis
		client, rerr := notify.ConnectRedis(ctx, rc.Addr, rc.Password, rc.DB)
		if rerr != nil {
			c.log.Warn("redis notifications disabled", zap.Error(rerr))
		} else {
			c.redis = client
			c.bus.AddSink(notify.NewRedisSink(client, rc.Channel))
		}
	}

	c.sm = jobmanager.New(c.store, c.bus, stateConfig(cfg.State),
		jobmanager.WithLogger(log), jobmanager.WithMetrics(c.collector))
	c.tracker = reputation.New(c.store, reputationConfig(cfg.Reputation),
		reputation.WithLogger(log), reputation.WithMetrics(c.collector), reputation.WithPublisher(c.bus))

	c.executors = executor.NewRegistry()
	if cfg.Executor.Simulate {
		sim := executor.DefaultSimConfig()
		sim.FailureRate = cfg.Executor.FailureRate
		sim.MinDelay = cfg.Executor.MinDelay
		sim.MaxDelay = cfg.Executor.MaxDelay
		if cfg.Executor.StepDelay > 0 {
			sim.StepDelay = cfg.Executor.StepDelay
		}
		c.sim = executor.NewSimulated(sim, log, opts.Seed)
		c.executors.SetDefault(c.sim)
	} else {
		c.log.Warn("no executor configured, dispatched jobs will dead-letter")
	}

	var completion oracle.CompletionOracle = oracle.Nop{}
	if cfg.Library.Root != "" {
		completion = oracle.NewFilesystem(cfg.Library.Root, log)
	}

	c.queue, err = queue.New(ctx, queue.Deps{
		Store:        c.store,
		StateMachine: c.sm,
		Tracker:      c.tracker,
		Executors:    c.executors,
		Oracle:       completion,
		Bus:          c.bus,
		Metrics:      c.collector,
		Logger:       log,
	}, queueConfig(cfg))
	if err != nil {
		return nil, err
	}

	if !log.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.Services{
		Queue:        c.queue,
		StateMachine: c.sm,
		Tracker:      c.tracker,
		Hub:          c.hub,
		Gatherer:     c.registry,
		Logger:       log,
	}, server.HTTPConfig{CORSOrigins: cfg.Server.CORSOrigins, Metrics: cfg.Metrics.Enabled})
	c.httpSrv = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	c.grpcSrv = server.NewGRPCServer(server.NewAdmin(c.queue, log))

	if c.httpLis, err = net.Listen("tcp", cfg.Server.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listen http %s: %w", cfg.Server.HTTPAddr, err)
	}
	if c.grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
		return nil, fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
	}
	return c, nil
}

func openStore(cfg config.StorageConfig, log *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "mysql":
		s, err := sqlstore.Open(cfg.DSN, sqlstore.Options{Logger: log})
		if err != nil {
			return nil, fmt.Errorf("open mysql store: %w", err)
		}
		return s, nil
	default:
		s, err := filestore.Open(cfg.Dir, filestore.Options{
			SnapshotInterval: cfg.SnapshotInterval,
			SyncWrites:       cfg.SyncWrites,
			Logger:           log,
		})
		if err != nil {
			return nil, fmt.Errorf("open file store %s: %w", cfg.Dir, err)
		}
		return s, nil
	}
}

func allowOrigins(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(origins) == 0 || slices.Contains(origins, origin)
	}
}

func stateConfig(cfg config.StateConfig) jobmanager.Config {
	out := jobmanager.Config{
		MaxRetryCount:   cfg.MaxRetryCount,
		MaxRequeueCount: cfg.MaxRequeueCount,
		StallTimeout:    cfg.StallTimeout,
	}
	if len(cfg.ExtraTransitions) > 0 {
		out.ExtraTransitions = make(map[types.JobStatus][]types.JobStatus, len(cfg.ExtraTransitions))
		for from, tos := range cfg.ExtraTransitions {
			for _, to := range tos {
				out.ExtraTransitions[types.JobStatus(from)] = append(out.ExtraTransitions[types.JobStatus(from)], types.JobStatus(to))
			}
		}
	}
	return out
}

func reputationConfig(cfg config.ReputationConfig) reputation.Config {
	return reputation.Config{
		BlockThreshold:         cfg.BlockThreshold,
		TempBlockDuration:      cfg.TempBlockDuration,
		EscalatedBlockDuration: cfg.EscalatedBlockDuration,
		SpeedWindow:            cfg.SpeedWindow,
		MinSpeedBytes:          cfg.MinSpeedBytes,
		SlowGracePeriod:        cfg.SlowGracePeriod,
	}
}

func scheduleWindow(cfg config.ScheduleConfig) queue.Window {
	w := queue.Window{Enabled: cfg.Enabled, StartHour: cfg.StartHour, EndHour: cfg.EndHour}
	for _, d := range cfg.DaysOfWeek {
		w.DaysOfWeek = append(w.DaysOfWeek, time.Weekday(d))
	}
	return w
}

func queueConfig(cfg *config.Config) queue.Config {
	q := cfg.Queue
	return queue.Config{
		MaxConcurrent:        q.MaxConcurrent,
		DispatchInterval:     q.DispatchInterval,
		StaggerDelay:         q.StaggerDelay,
		StallScanInterval:    q.StallScanInterval,
		SlowScanInterval:     q.SlowScanInterval,
		MetricsInterval:      q.MetricsInterval,
		BlockCleanupInterval: q.BlockCleanupInterval,
		StartupRetryCeiling:  q.StartupRetryCeiling,
		CompletionRatio:      q.CompletionRatio,
		AbortSlowTransfers:   q.AbortSlowTransfers,
		Schedule:             scheduleWindow(cfg.Schedule),
		Paused:               q.Paused,
	}
}

// Queue exposes the scheduler.
func (c *Controller) Queue() *queue.Queue { return c.queue }

// HTTPAddr is the bound admin HTTP address.
func (c *Controller) HTTPAddr() string { return c.httpLis.Addr().String() }

// GRPCAddr is the bound admin gRPC address.
func (c *Controller) GRPCAddr() string { return c.grpcLis.Addr().String() }

// Run starts the queue loops, the notification bus and both servers, and
// blocks until ctx is cancelled or a server fails.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { c.bus.Run(gctx); return nil })
	g.Go(func() error { c.hub.Run(gctx); return nil })
	g.Go(func() error {
		c.log.Info("http server listening", zap.String("addr", c.HTTPAddr()))
		if err := c.httpSrv.Serve(c.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		c.log.Info("grpc server listening", zap.String("addr", c.GRPCAddr()))
		if err := c.grpcSrv.Serve(c.grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if c.opts.ConfigPath != "" {
		g.Go(func() error { return config.Watch(gctx, c.opts.ConfigPath, c.log, c.ApplyConfig) })
	}

	c.queue.Start()
	c.log.Info("controller started",
		zap.Int("max_concurrent", c.cfg.Queue.MaxConcurrent),
		zap.String("storage", c.cfg.Storage.Driver),
		zap.Bool("simulate", c.cfg.Executor.Simulate))

	g.Go(func() error {
		<-gctx.Done()
		c.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown stops dispatching first so no job is handed off while the
// servers drain.
func (c *Controller) shutdown() {
	c.log.Info("shutting down")
	c.queue.Stop()
	if c.sim != nil {
		c.sim.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.httpSrv.Shutdown(ctx); err != nil {
		c.log.Warn("http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		c.grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.grpcSrv.Stop()
	}
}

// ApplyConfig applies the settings that can change without a restart. The
// rest are logged and take effect on the next start.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	if err := c.queue.SetSchedule(scheduleWindow(cfg.Schedule)); err != nil {
		c.log.Warn("schedule not applied", zap.Error(err))
	}
	if cfg.Queue.MaxConcurrent != c.cfg.Queue.MaxConcurrent || cfg.Storage != c.cfg.Storage {
		c.log.Warn("config change requires a restart",
			zap.Int("max_concurrent", cfg.Queue.MaxConcurrent),
			zap.String("storage", cfg.Storage.Driver))
	}
}

// Close releases the store and external clients. It is safe to call more
// than once and after a failed New.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.queue != nil {
			c.queue.Stop()
		}
		if c.sim != nil {
			c.sim.Stop()
		}
		for _, lis := range []net.Listener{c.httpLis, c.grpcLis} {
			if lis != nil {
				lis.Close()
			}
		}
		if c.redis != nil {
			errs = append(errs, c.redis.Close())
		}
		if c.store != nil {
			errs = append(errs, c.store.Close())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
