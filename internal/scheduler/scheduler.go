// Package scheduler implements the periodic background work of trafficd.
//
// The scheduler is responsible for:
//   - Vacuuming cache entries that are past their stale horizon
//   - Warming the traffic cache for a configured list of packages, so that
//     popular packages are served from the fresh tier and always have stale
//     data to fall back to
//
// Behaviour:
//   - A single loop ticks every TickInterval and runs whichever task is due
//   - The first warm-up runs on the first tick after Start
//   - Failures are logged and never stop the loop
package scheduler

import (
	"context"
	"sync"
	"time"

	trafficctx "github.com/npmstat/trafficd/internal/context"
	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/model"
)

// Scheduler controls the periodic cache maintenance tasks.
type Scheduler interface {
	// Start launches the scheduler loop in a background goroutine. It returns
	// immediately after successful start. The provided context is used only
	// for initialisation; cancellation should be signalled via Stop().
	Start(ctx context.Context) error

	// Stop requests the scheduler to stop and waits for the background loop
	// to exit. It is safe to call Stop() multiple times.
	Stop(ctx context.Context) error
}

// Vacuumer removes expired cache entries.
type Vacuumer interface {
	Vacuum(ctx context.Context) (int, error)
}

// TrafficFetcher is the part of the traffic orchestrator used for warm-up.
type TrafficFetcher interface {
	FetchTraffic(ctx context.Context, packageName string, days int) (*model.TrafficResponse, error)
}

// Config controls task intervals. A zero interval disables the task.
type Config struct {
	TickInterval   time.Duration
	SweepInterval  time.Duration
	WarmupInterval time.Duration
	WarmupPackages []string
	WarmupDays     int
}

// schedulerImpl is the concrete implementation of Scheduler.
type schedulerImpl struct {
	vacuumer       Vacuumer
	fetcher        TrafficFetcher
	runtimeContext trafficctx.RuntimeContext
	config         Config
	now            func() time.Time

	lastSweepAt  time.Time
	lastWarmupAt time.Time

	startStopMutex sync.Mutex
	started        bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
	cancelWork     context.CancelFunc
}

// NewScheduler creates a new Scheduler instance.
//
// Parameters:
//   - vacuumer:       cache swept every SweepInterval
//   - fetcher:        orchestrator used to warm WarmupPackages
//   - runtimeContext: shutdown flag; no warm-up once shutdown is requested
//   - config:         intervals; TickInterval defaults to one second
func NewScheduler(
	vacuumer Vacuumer,
	fetcher TrafficFetcher,
	runtimeContext trafficctx.RuntimeContext,
	config Config,
) Scheduler {
	return newScheduler(vacuumer, fetcher, runtimeContext, config, time.Now)
}

func newScheduler(
	vacuumer Vacuumer,
	fetcher TrafficFetcher,
	runtimeContext trafficctx.RuntimeContext,
	config Config,
	now func() time.Time,
) *schedulerImpl {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}

	return &schedulerImpl{
		vacuumer:       vacuumer,
		fetcher:        fetcher,
		runtimeContext: runtimeContext,
		config:         config,
		now:            now,
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
}

// Start implements Scheduler.Start.
func (schedulerInstance *schedulerImpl) Start(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if schedulerInstance.started {
		logger.SchedulerLog.Warn("Scheduler.Start called more than once; ignoring subsequent call")
		return nil
	}

	schedulerInstance.started = true

	workCtx, cancel := context.WithCancel(context.Background())
	schedulerInstance.cancelWork = cancel
	go schedulerInstance.runLoop(workCtx)

	logger.SchedulerLog.Infof(
		"Scheduler started (sweep=%s warmup=%s packages=%d)",
		schedulerInstance.config.SweepInterval,
		schedulerInstance.config.WarmupInterval,
		len(schedulerInstance.config.WarmupPackages),
	)
	return nil
}

// Stop implements Scheduler.Stop.
func (schedulerInstance *schedulerImpl) Stop(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if !schedulerInstance.started {
		return nil
	}

	select {
	case <-schedulerInstance.stopChannel:
		// Already closing or closed.
	default:
		close(schedulerInstance.stopChannel)
		schedulerInstance.cancelWork()
	}

	// Wait for the loop to exit or for the context to expire.
	select {
	case <-schedulerInstance.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.SchedulerLog.Info("Scheduler stopped")
	return nil
}

// runLoop executes the periodic tasks until stopChannel is closed.
func (schedulerInstance *schedulerImpl) runLoop(ctx context.Context) {
	defer close(schedulerInstance.stoppedChannel)

	ticker := time.NewTicker(schedulerInstance.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-schedulerInstance.stopChannel:
			return
		case <-ticker.C:
			schedulerInstance.processTick(ctx)
		}
	}
}

// processTick runs every task that is due at the current time.
func (schedulerInstance *schedulerImpl) processTick(ctx context.Context) {
	now := schedulerInstance.now().UTC()

	if isDue(schedulerInstance.lastSweepAt, schedulerInstance.config.SweepInterval, now) {
		schedulerInstance.lastSweepAt = now
		schedulerInstance.sweep(ctx)
	}

	if len(schedulerInstance.config.WarmupPackages) > 0 &&
		isDue(schedulerInstance.lastWarmupAt, schedulerInstance.config.WarmupInterval, now) {
		schedulerInstance.lastWarmupAt = now
		schedulerInstance.warmUp(ctx)
	}
}

// isDue reports whether a task last run at lastRunAt should run again. A
// task that never ran is due immediately; a non-positive interval disables it.
func isDue(lastRunAt time.Time, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return false
	}
	if lastRunAt.IsZero() {
		return true
	}
	return now.Sub(lastRunAt) >= interval
}

func (schedulerInstance *schedulerImpl) sweep(ctx context.Context) {
	if schedulerInstance.vacuumer == nil {
		return
	}

	removed, vacuumError := schedulerInstance.vacuumer.Vacuum(ctx)
	if vacuumError != nil {
		logger.SchedulerLog.Warnf("cache vacuum interrupted after %d removal(s): %v", removed, vacuumError)
		return
	}
	if removed > 0 {
		logger.SchedulerLog.Debugf("cache vacuum removed %d entr(ies)", removed)
	}
}

func (schedulerInstance *schedulerImpl) warmUp(ctx context.Context) {
	if schedulerInstance.fetcher == nil {
		return
	}

	warmed := 0
	for _, packageName := range schedulerInstance.config.WarmupPackages {
		if ctx.Err() != nil || schedulerInstance.runtimeContext.IsShutdownRequested() {
			logger.SchedulerLog.Info("warm-up aborted, shutdown in progress")
			return
		}

		response, fetchError := schedulerInstance.fetcher.FetchTraffic(ctx, packageName, schedulerInstance.config.WarmupDays)
		if fetchError != nil {
			logger.SchedulerLog.Warnf("warm-up failed for package=%s: %v", packageName, fetchError)
			continue
		}
		if response.Meta.CacheStatus == model.CacheStatusStale {
			logger.SchedulerLog.Warnf("warm-up for package=%s served stale data: %s", packageName, response.Meta.Warning)
			continue
		}
		warmed++
	}

	logger.SchedulerLog.Debugf("warm-up refreshed %d/%d package(s)", warmed, len(schedulerInstance.config.WarmupPackages))
}
