package batch

import (
	"math"
	"time"
)

const (
	DefaultConcurrency    = 8
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 5 * time.Second
	DefaultMultiplier     = 2.0
	DefaultMaxBackoff     = 60 * time.Second
	DefaultAttemptTimeout = 120 * time.Second
)

// Policy controls how a batch is scheduled and retried
type Policy struct {
	Concurrency    int
	MaxRetries     int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration

	// AttemptTimeout bounds a single remote call. Zero disables it.
	AttemptTimeout time.Duration

	// RequestsPerSecond smooths dispatch across workers. Zero disables it.
	RequestsPerSecond float64
}

// DefaultPolicy returns the standard batch policy
func DefaultPolicy() Policy {
	return Policy{
		Concurrency:    DefaultConcurrency,
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		Multiplier:     DefaultMultiplier,
		MaxBackoff:     DefaultMaxBackoff,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// withDefaults fills unset fields. MaxRetries < 0 means no retries.
func (p Policy) withDefaults() Policy {
	if p.Concurrency <= 0 {
		p.Concurrency = DefaultConcurrency
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	return p
}

// Backoff returns the wait before retrying after the given zero-based failed attempt:
// min(InitialBackoff * Multiplier^attempt, MaxBackoff)
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if delay >= float64(p.MaxBackoff) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

// Workers returns the pool size for a batch of frames
func (p Policy) Workers(frames int) int {
	return min(p.withDefaults().Concurrency, frames)
}
