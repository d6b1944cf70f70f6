package upstream

import (
	"context"
	"time"

	"github.com/pkg/errors"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/metrics"
	"github.com/npmstat/trafficd/internal/model"
)

const breakerName = "downloads-api"

// BreakerConfig controls the circuit breaker in front of the downloads API.
type BreakerConfig struct {
	Enabled bool
	// ConsecutiveFailures opens the circuit once that many retried calls in a
	// row have failed.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before a trial call is
	// let through.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the breaker settings used in production.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// breakerClient short-circuits calls while the provider keeps failing, so that
// the orchestrator can fall back to stale data without waiting on timeouts.
type breakerClient struct {
	next    DownloadsClient
	breaker *gobreaker.CircuitBreaker[*model.DownloadsRangePayload]
}

func newBreakerClient(next DownloadsClient, config BreakerConfig) *breakerClient {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(stateToFloat(gobreaker.StateClosed))

	breaker := gobreaker.NewCircuitBreaker[*model.DownloadsRangePayload](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		// A 404 is a valid answer and a cancelled caller says nothing about
		// the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.UpstreamLog.Warnf("circuit breaker %s: %s -> %s", name, from, to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &breakerClient{next: next, breaker: breaker}
}

// FetchDailyDownloadsRange implements DownloadsClient.FetchDailyDownloadsRange.
func (client *breakerClient) FetchDailyDownloadsRange(
	ctx context.Context,
	packageName string,
	startDate string,
	endDate string,
) (*model.DownloadsRangePayload, error) {
	payload, err := client.breaker.Execute(func() (*model.DownloadsRangePayload, error) {
		return client.next.FetchDailyDownloadsRange(ctx, packageName, startDate, endDate)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.UpstreamLog.Debugf("circuit breaker rejected call for package=%s: %v", packageName, err)
		return nil, &StatusError{Cause: errors.Wrap(ErrCircuitOpen, err.Error())}
	}
	return payload, err
}

// stateToFloat converts circuit breaker state to numeric value for metrics
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
