// Package context holds the in-memory runtime state for trafficd, including:
//   - The outcome of the most recent upstream interactions (health)
//   - Shutdown flags and basic lifecycle helpers.
//
// Note: This package is named "context", so we alias the standard library
// "context" package to avoid name collisions.
package context

import (
	stdctx "context"
	"errors"
	"sync"
	"time"

	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/model"
)

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"

	errorCodeUnknown = "UNKNOWN"
)

// RuntimeContext provides concurrency-safe accessors to the health state and
// shutdown flags. Concurrent recorders are resolved last-write-wins.
type RuntimeContext interface {
	// ---- Health ----

	// RecordSuccess notes that source obtained fresh data from upstream or
	// from the fresh cache tier.
	RecordSuccess(ctx stdctx.Context, source string)

	// RecordError notes a failed interaction. The error code and upstream
	// status are taken from a *model.TrafficError when err wraps one.
	RecordError(ctx stdctx.Context, source string, err error)

	// RecordStaleServed notes that stale data was returned instead of an
	// error.
	RecordStaleServed(ctx stdctx.Context, source string, reason model.StaleReason)

	// HealthSnapshot returns a copy of the current health state.
	HealthSnapshot() model.HealthSnapshot

	// ---- Shutdown flag ----

	// SetShutdownRequested marks whether a graceful shutdown has been requested.
	SetShutdownRequested(ctx stdctx.Context, requested bool)

	// IsShutdownRequested returns true if shutdown has been requested.
	IsShutdownRequested() bool
}

type lastEvent int

const (
	lastEventNone lastEvent = iota
	lastEventSuccess
	lastEventError
	lastEventStale
)

// runtimeContextImpl is the concrete implementation of RuntimeContext.
// It keeps all state in memory guarded by a RWMutex.
type runtimeContextImpl struct {
	mutexForHealth sync.RWMutex
	health         model.HealthSnapshot
	lastEvent      lastEvent

	mutexForShutdown  sync.RWMutex
	shutdownRequested bool

	now func() time.Time
}

// NewRuntimeContext creates a new RuntimeContext. now defaults to time.Now.
func NewRuntimeContext(now func() time.Time) RuntimeContext {
	if now == nil {
		now = time.Now
	}

	return &runtimeContextImpl{
		health: model.HealthSnapshot{
			Status:    HealthStatusOK,
			StartedAt: now().UTC(),
		},
		now: now,
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// RecordSuccess implements RuntimeContext.RecordSuccess.
func (runtime *runtimeContextImpl) RecordSuccess(ctx stdctx.Context, source string) {
	at := runtime.now().UTC()

	runtime.mutexForHealth.Lock()
	defer runtime.mutexForHealth.Unlock()

	runtime.health.LastSuccessAt = &at
	runtime.health.LastSuccessSource = source
	runtime.lastEvent = lastEventSuccess
}

// RecordError implements RuntimeContext.RecordError.
func (runtime *runtimeContextImpl) RecordError(ctx stdctx.Context, source string, err error) {
	at := runtime.now().UTC()

	code := errorCodeUnknown
	upstreamStatus := 0
	message := ""
	if err != nil {
		message = err.Error()
	}
	var trafficError *model.TrafficError
	if errors.As(err, &trafficError) {
		code = string(trafficError.Kind)
		upstreamStatus = trafficError.UpstreamStatus
	}

	runtime.mutexForHealth.Lock()
	defer runtime.mutexForHealth.Unlock()

	runtime.health.LastErrorAt = &at
	runtime.health.LastErrorSource = source
	runtime.health.LastErrorCode = code
	runtime.health.LastErrorMessage = message
	runtime.health.LastUpstreamStatus = upstreamStatus
	runtime.lastEvent = lastEventError

	logger.ContextLog.Debugf("recorded error source=%s code=%s upstreamStatus=%d", source, code, upstreamStatus)
}

// RecordStaleServed implements RuntimeContext.RecordStaleServed.
func (runtime *runtimeContextImpl) RecordStaleServed(ctx stdctx.Context, source string, reason model.StaleReason) {
	at := runtime.now().UTC()

	runtime.mutexForHealth.Lock()
	defer runtime.mutexForHealth.Unlock()

	runtime.health.LastStaleAt = &at
	runtime.health.LastStaleReason = string(reason)
	runtime.lastEvent = lastEventStale
}

// HealthSnapshot implements RuntimeContext.HealthSnapshot.
func (runtime *runtimeContextImpl) HealthSnapshot() model.HealthSnapshot {
	runtime.mutexForHealth.RLock()
	defer runtime.mutexForHealth.RUnlock()

	snapshot := runtime.health
	snapshot.LastSuccessAt = copyTime(runtime.health.LastSuccessAt)
	snapshot.LastErrorAt = copyTime(runtime.health.LastErrorAt)
	snapshot.LastStaleAt = copyTime(runtime.health.LastStaleAt)

	switch runtime.lastEvent {
	case lastEventError, lastEventStale:
		snapshot.Status = HealthStatusDegraded
	default:
		snapshot.Status = HealthStatusOK
	}
	return snapshot
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// -----------------------------------------------------------------------------
// Shutdown flag
// -----------------------------------------------------------------------------

// SetShutdownRequested implements RuntimeContext.SetShutdownRequested.
func (runtime *runtimeContextImpl) SetShutdownRequested(
	ctx stdctx.Context,
	requested bool,
) {
	runtime.mutexForShutdown.Lock()
	defer runtime.mutexForShutdown.Unlock()
	runtime.shutdownRequested = requested

	logger.ContextLog.Infof("shutdown requested=%t", requested)
}

// IsShutdownRequested implements RuntimeContext.IsShutdownRequested.
func (runtime *runtimeContextImpl) IsShutdownRequested() bool {
	runtime.mutexForShutdown.RLock()
	defer runtime.mutexForShutdown.RUnlock()
	return runtime.shutdownRequested
}
