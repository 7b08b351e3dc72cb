package reactor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// rebuildGovernor guards a backend's selector rebuilds behind a circuit
// breaker and paces retries with a bounded exponential backoff, per spec
// §7's "one-second pause to avoid tight retry" failure semantics: a
// backend wedged in a rebuild-fail loop stops hammering the kernel and
// instead waits progressively longer between attempts, tripping the
// breaker open if failures keep piling up.
type rebuildGovernor struct {
	cb      *gobreaker.CircuitBreaker[struct{}]
	backoff *backoff.ExponentialBackOff
}

func newRebuildGovernor(name string) *rebuildGovernor {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Second
	return &rebuildGovernor{
		backoff: b,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    10 * time.Second,
			Timeout:     time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// rebuild runs fn through the circuit breaker. On failure — fn's own
// error, or the breaker rejecting the call while open — it sleeps the next
// backoff interval before returning, so a caller driving a tight retry
// loop never busy-spins against a wedged kernel object. On success the
// backoff sequence resets.
func (g *rebuildGovernor) rebuild(fn func() error) error {
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if err != nil {
		d := g.backoff.NextBackOff()
		if d == backoff.Stop {
			d = g.backoff.MaxInterval
		}
		time.Sleep(d)
		return err
	}
	g.backoff.Reset()
	return nil
}
