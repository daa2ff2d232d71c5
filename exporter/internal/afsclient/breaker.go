package afsclient

import (
	"github.com/sony/gobreaker/v2"

	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

// breaker returns the circuit breaker for vol, creating it on first use.
// It returns nil when breaking is disabled.
func (c *Client) breaker(vol types.VolumeRef) *gobreaker.CircuitBreaker[[]types.DirectoryQuota] {
	bc := c.cfg.Breaker
	if bc.FailureThreshold == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[vol]; ok {
		return br
	}

	br := gobreaker.NewCircuitBreaker[[]types.DirectoryQuota](gobreaker.Settings{
		Name:        vol.String(),
		MaxRequests: bc.HalfOpenMaxRequests,
		Timeout:     bc.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.FailureThreshold
		},
		// Only upstream health trips the breaker; a 404 or bad credentials
		// will not recover by waiting.
		IsSuccessful: func(err error) bool {
			return err == nil || !types.KindOf(err).Retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "volume", name, "from", from.String(), "to", to.String())
			c.metrics.SetBreakerState(vol, breakerGauge(to))
		},
	})
	c.breakers[vol] = br
	c.metrics.SetBreakerState(vol, breakerGauge(gobreaker.StateClosed))
	return br
}

func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
