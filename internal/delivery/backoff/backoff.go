package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Chichichkin/eventpipe/internal/delivery"
)

const (
	DefaultMinTimeoutMs        = 100
	DefaultMaxTimeoutMs        = 10_000
	DefaultMultiplier          = 1.5
	DefaultRandomizationFactor = 0.5
)

type Config struct {
	MinTimeoutMs        float64
	MaxTimeoutMs        float64
	Multiplier          float64
	RandomizationFactor float64
}

func DefaultConfig() Config {
	return Config{
		MinTimeoutMs:        DefaultMinTimeoutMs,
		MaxTimeoutMs:        DefaultMaxTimeoutMs,
		Multiplier:          DefaultMultiplier,
		RandomizationFactor: DefaultRandomizationFactor,
	}
}

// Policy computes randomized exponential retry delays.
type Policy struct {
	config Config
	rand   func() float64

	mu       sync.Mutex
	attempts int
}

type Option func(*Policy)

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(p *Policy) {
		p.rand = fn
	}
}

func New(config Config, opts ...Option) (*Policy, error) {
	if config.MinTimeoutMs < 0 || config.MaxTimeoutMs < 0 {
		return nil, fmt.Errorf("%w: backoff timeouts must not be negative (min=%v, max=%v)",
			delivery.ErrInvalidConfiguration, config.MinTimeoutMs, config.MaxTimeoutMs)
	}
	if config.MinTimeoutMs > config.MaxTimeoutMs {
		return nil, fmt.Errorf("%w: backoff min timeout %v exceeds max timeout %v",
			delivery.ErrInvalidConfiguration, config.MinTimeoutMs, config.MaxTimeoutMs)
	}

	p := &Policy{
		config: config,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NextIntervalMs returns the next delay in milliseconds and advances the attempt counter.
func (p *Policy) NextIntervalMs() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	interval := p.config.MinTimeoutMs * math.Pow(p.config.Multiplier, float64(p.attempts))
	interval = p.addJitter(interval)

	p.attempts++

	// only an upper bound; jitter may land below MinTimeoutMs
	return math.Min(interval, p.config.MaxTimeoutMs)
}

func (p *Policy) NextInterval() time.Duration {
	return time.Duration(p.NextIntervalMs() * float64(time.Millisecond))
}

func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *Policy) Config() Config {
	return p.config
}

func (p *Policy) addJitter(base float64) float64 {
	r := p.rand()
	deviation := r * base * p.config.RandomizationFactor

	if r < 0.5 {
		return base - deviation
	}
	return base + deviation
}
