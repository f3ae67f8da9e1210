package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skipperhq/skipper/internal/search"
)

// Forwarder copies events into the daily search index in the background.
// Failures never reach the logging caller: they only feed the circuit
// breaker, and while the breaker is open events are written locally only.
type Forwarder struct {
	indexer search.Indexer
	breaker *CircuitBreaker
	sem     chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
	oplog   *slog.Logger
}

// ForwarderConfig configures the forwarder.
type ForwarderConfig struct {
	// MaxInFlight bounds concurrent index writes (default 10). The gate
	// protects the index's connection pool, not the caller.
	MaxInFlight int

	// Timeout bounds each index write (default 5s).
	Timeout time.Duration

	// FailureThreshold opens the breaker after this many consecutive
	// failures (default 3).
	FailureThreshold int

	// Cooldown keeps the breaker open before the next probe (default 30s).
	Cooldown time.Duration
}

// ForwarderOption configures optional forwarder behavior.
type ForwarderOption func(*Forwarder)

// WithBreakerClock overrides the breaker clock (for tests).
func WithBreakerClock(now func() time.Time) ForwarderOption {
	return func(f *Forwarder) {
		if now != nil {
			f.breaker.now = now
		}
	}
}

// WithForwarderOpLogger sets the slog logger for forwarder diagnostics.
func WithForwarderOpLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if logger != nil {
			f.oplog = logger
		}
	}
}

// NewForwarder creates a forwarder writing through the given indexer.
func NewForwarder(indexer search.Indexer, cfg ForwarderConfig, opts ...ForwarderOption) *Forwarder {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	f := &Forwarder{
		indexer: indexer,
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.Cooldown),
		sem:     make(chan struct{}, cfg.MaxInFlight),
		timeout: cfg.Timeout,
		oplog:   slog.Default().With("component", ComponentTelemetry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enqueue forwards one event asynchronously. It returns immediately; the
// caller is never blocked on the index.
func (f *Forwarder) Enqueue(e Event) {
	if !f.breaker.Allow() {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.sem <- struct{}{}
		defer func() { <-f.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()

		if err := f.indexer.Index(ctx, search.EventIndex(e.Timestamp), "", e); err != nil {
			if f.breaker.RecordFailure() {
				f.oplog.Warn("event forwarding suspended after consecutive failures",
					"error", err, "cooldown", f.breaker.cooldown.String())
			}
			return
		}
		f.breaker.RecordSuccess()
	}()
}

// Drain waits for all in-flight forwards to finish.
func (f *Forwarder) Drain() {
	f.wg.Wait()
}

// CircuitBreaker trips after a run of consecutive failures and rejects
// work for a cooldown period.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	consecutive int
	openUntil   time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and stays open for cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// RecordFailure counts one failure and returns true when this failure
// tripped the breaker open.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.threshold && b.now().After(b.openUntil) {
		b.openUntil = b.now().Add(b.cooldown)
		b.consecutive = 0
		return true
	}
	return false
}

// RecordSuccess resets the failure run.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}
