package transport

import (
	"math"
	"math/rand"
	"time"
)

// stableAfter is how long a connection must stay up before the attempt
// counter starts over.
const stableAfter = 60 * time.Second

// reconnector computes jittered exponential backoff delays.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	now         func() time.Time
}

func newReconnector(cfg Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
		now:         time.Now,
	}
}

// shouldReconnect reports whether another attempt is allowed.
// A negative limit means unlimited attempts.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.now()
}

// nextDelay returns the wait before the next attempt and counts it.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
