// Package app wires together all major trafficd components:
//   - configuration
//   - logging
//   - runtime context (health, shutdown flag)
//   - upstream downloads client with retry and circuit breaker
//   - two-tier traffic cache
//   - traffic and compare orchestrators
//   - HTTP API server
//   - scheduler for cache sweeps and warm-up.
//
// The App implementation is intentionally small and procedural, so that
// cmd/main.go can simply create an App from the loaded Config and call
// Start/Stop without knowing internal details.
package app

import (
	stdctx "context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/npmstat/trafficd/internal/cache"
	"github.com/npmstat/trafficd/internal/compare"
	trafficctx "github.com/npmstat/trafficd/internal/context"
	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/model"
	"github.com/npmstat/trafficd/internal/sbi"
	"github.com/npmstat/trafficd/internal/scheduler"
	"github.com/npmstat/trafficd/internal/traffic"
	"github.com/npmstat/trafficd/internal/upstream"
	"github.com/npmstat/trafficd/pkg/factory"
)

const trafficCacheName = "traffic"

// App is the high-level interface implemented by trafficd. It hides wiring,
// HTTP server startup and scheduler lifecycle from cmd/main.go.
type App interface {
	// Start brings the whole trafficd instance online. It is expected to:
	//   - bind the HTTP listener and start serving
	//   - start the scheduler
	Start(ctx stdctx.Context) error

	// Stop attempts a graceful shutdown:
	//   - mark shutdown requested
	//   - stop the scheduler
	//   - drain in-flight HTTP requests
	Stop(ctx stdctx.Context) error
}

// appImpl is the concrete implementation of App.
type appImpl struct {
	config *factory.Config

	runtimeContext trafficctx.RuntimeContext
	trafficCache   *cache.MemoryCache[model.TrafficSnapshot]
	trafficService *traffic.Service
	compareBuilder *compare.Builder
	scheduler      scheduler.Scheduler
	apiServer      *sbi.Server

	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}

	startStopMutex sync.Mutex
	started        bool
}

// NewApp constructs a new App from a validated configuration. It creates
// the internal components but does not start any network listeners yet;
// that is handled by Start().
func NewApp(config *factory.Config) (App, error) {
	return newApp(config)
}

func newApp(config *factory.Config) (*appImpl, error) {
	if config == nil {
		return nil, errors.New("config must not be nil")
	}

	// Initialise logging according to configuration. It is safe if main()
	// calls InitLog again; InitLog is idempotent w.r.t logger instances and
	// updates only the level and reportCaller flag.
	if initError := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initError != nil {
		logger.MainLog.Warnf("InitLog failed with level=%s, using fallback: %v",
			config.Logging.Level, initError)
	}

	logger.MainLog.Infof(
		"Starting trafficd version=%s description=%q",
		config.Info.Version, config.Info.Description,
	)

	runtimeContext := trafficctx.NewRuntimeContext(nil)

	downloadsClient := upstream.NewDownloadsClient(upstreamConfigFrom(config.Upstream))

	trafficCache := cache.NewMemoryCache[model.TrafficSnapshot](trafficCacheName)

	trafficService := traffic.NewService(
		downloadsClient,
		trafficCache,
		runtimeContext,
		traffic.Config{
			FreshTTL: seconds(config.Cache.TrafficFreshSec),
			StaleTTL: seconds(config.Cache.TrafficStaleSec),
		},
	)

	compareBuilder := compare.NewBuilder(trafficService)

	schedulerInstance := scheduler.NewScheduler(
		trafficCache,
		trafficService,
		runtimeContext,
		scheduler.Config{
			SweepInterval:  seconds(config.Cache.SweepIntervalSec),
			WarmupInterval: seconds(config.Warmup.IntervalSec),
			WarmupPackages: config.Warmup.Packages,
			WarmupDays:     config.Warmup.Days,
		},
	)

	apiServer := sbi.NewServer(
		trafficService,
		compareBuilder,
		runtimeContext,
		sbi.RateLimitConfig{
			RequestsPerSecond: config.Server.RateLimit.RequestsPerSecond,
			Burst:             config.Server.RateLimit.Burst,
		},
	)

	return &appImpl{
		config:         config,
		runtimeContext: runtimeContext,
		trafficCache:   trafficCache,
		trafficService: trafficService,
		compareBuilder: compareBuilder,
		scheduler:      schedulerInstance,
		apiServer:      apiServer,
	}, nil
}

// Start implements App.Start.
func (app *appImpl) Start(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if app.started {
		logger.MainLog.Warn("App.Start called more than once; ignoring subsequent call")
		return nil
	}

	// Clear shutdown flag just in case.
	app.runtimeContext.SetShutdownRequested(ctx, false)

	listener, listenError := net.Listen("tcp", app.config.Server.ListenAddr)
	if listenError != nil {
		return errors.Wrapf(listenError, "listen on %s", app.config.Server.ListenAddr)
	}

	app.listener = listener
	app.httpServer = &http.Server{
		Handler:      app.apiServer.Handler(),
		ReadTimeout:  seconds(app.config.Server.ReadTimeoutSec),
		WriteTimeout: seconds(app.config.Server.WriteTimeoutSec),
	}
	app.serveDone = make(chan struct{})

	go func(httpServer *http.Server, serveDone chan struct{}) {
		defer close(serveDone)
		logger.ServerLog.Infof("Starting HTTP API on %s", listener.Addr())
		if serveError := httpServer.Serve(listener); serveError != nil && !errors.Is(serveError, http.ErrServerClosed) {
			logger.ServerLog.Errorf("HTTP API stopped with error: %v", serveError)
		}
	}(app.httpServer, app.serveDone)

	// Start the scheduler loop for sweeps and warm-up.
	if schedulerError := app.scheduler.Start(ctx); schedulerError != nil {
		_ = app.httpServer.Close()
		return errors.Wrap(schedulerError, "failed to start scheduler")
	}

	app.started = true
	logger.MainLog.Infof("trafficd successfully started")
	return nil
}

// Stop implements App.Stop.
func (app *appImpl) Stop(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if !app.started {
		return nil
	}

	logger.MainLog.Infof("trafficd shutdown requested")

	// Mark shutdown requested so that long-running operations can adapt.
	app.runtimeContext.SetShutdownRequested(ctx, true)

	// Stop scheduler first so no warm-up starts while draining.
	if schedulerError := app.scheduler.Stop(ctx); schedulerError != nil {
		logger.MainLog.Warnf("scheduler stop returned error: %v", schedulerError)
	}

	var firstError error
	if shutdownError := app.httpServer.Shutdown(ctx); shutdownError != nil {
		logger.MainLog.Warnf("HTTP API shutdown returned error: %v", shutdownError)
		firstError = shutdownError
	}
	select {
	case <-app.serveDone:
	case <-ctx.Done():
		if firstError == nil {
			firstError = ctx.Err()
		}
	}

	app.started = false
	logger.MainLog.Infof("trafficd shutdown completed (cached entries=%d)", app.trafficCache.Len())
	return firstError
}

// ShutdownTimeout returns how long cmd/main.go should wait for Stop.
func ShutdownTimeout(config *factory.Config) time.Duration {
	if config == nil || config.Server.ShutdownTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return seconds(config.Server.ShutdownTimeoutSec)
}

func upstreamConfigFrom(section factory.UpstreamSection) upstream.Config {
	return upstream.Config{
		BaseURL:        section.BaseURL,
		UserAgent:      section.UserAgent,
		AttemptTimeout: seconds(section.TimeoutSec),
		MaxAttempts:    section.MaxAttempts,
		RetryAfterMin:  seconds(section.RetryAfterMinSec),
		RetryAfterMax:  seconds(section.RetryAfterMaxSec),
		Breaker: upstream.BreakerConfig{
			Enabled:             section.Breaker.IsEnabled(),
			ConsecutiveFailures: uint32(max(section.Breaker.ConsecutiveFailures, 0)),
			OpenTimeout:         seconds(section.Breaker.OpenTimeoutSec),
		},
	}
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
