// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package elastic

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Breaker errors.
var (
	// ErrCircuitOpen is returned while the breaker blocks requests.
	ErrCircuitOpen = errors.New("circuit breaker is open, backend requests blocked")

	// ErrBackendUnavailable is returned when the retry budget is spent.
	ErrBackendUnavailable = errors.New("backend is not available")
)

// BreakerState is the backend connection state.
type BreakerState int32

const (
	// StateClosed indicates normal operation.
	StateClosed BreakerState = iota
	// StateOpen indicates the breaker is blocking requests.
	StateOpen
	// StateHalfOpen indicates a single probe request is allowed through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateHandler observes breaker transitions. The feature manager
// implements this to gate backend-dependent tools.
type StateHandler interface {
	// OnOpen fires when the breaker opens with a reason for operators.
	OnOpen(reason string)

	// OnClose fires when the breaker returns to normal operation.
	OnClose()
}

// BreakerConfig tunes the retry and circuit-breaker behavior.
type BreakerConfig struct {
	// RetryAttempts is the number of retries after the first attempt.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries.
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 5s
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0).
	// Default: 0.25
	RetryJitter float64

	// Threshold is the number of failures inside Window before opening.
	// Default: 5
	Threshold int

	// Window is the sliding window for counting failures.
	// Default: 30s
	Window time.Duration

	// Cooldown is how long the breaker stays open before half-opening.
	// Default: 30s
	Cooldown time.Duration
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		RetryAttempts:   3,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
		RetryJitter:     0.25,
		Threshold:       5,
		Window:          30 * time.Second,
		Cooldown:        30 * time.Second,
	}
}

// Breaker wraps backend calls with retry, backoff, and a sliding-window
// circuit breaker. Both the Elasticsearch client and the DShield client
// embed one.
//
// Thread Safety: safe for concurrent use.
type Breaker struct {
	config BreakerConfig
	logger *slog.Logger

	state    atomic.Int32
	openedAt atomic.Int64

	// Sliding window of failure timestamps (ring buffer).
	failures   []time.Time
	failureIdx int
	failureMu  sync.Mutex

	// Half-open admits a single probe at a time.
	halfOpenProbe atomic.Bool

	handlerMu sync.RWMutex
	handlers  []StateHandler
}

// NewBreaker creates a Breaker in the closed state.
func NewBreaker(config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.Threshold < 1 {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		config:   config,
		logger:   logger,
		failures: make([]time.Time, config.Threshold),
	}
}

// RegisterHandler adds a transition observer.
func (b *Breaker) RegisterHandler(h StateHandler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Execute runs fn with retry and circuit-breaker protection.
//
// Retries apply only to retryable errors (timeouts and network
// failures). When all attempts fail, the failure is recorded and
// ErrBackendUnavailable wraps the last error. While the breaker is open
// and the cooldown has not expired, Execute returns ErrCircuitOpen
// without touching the backend.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	switch b.State() {
	case StateOpen:
		if !b.cooldownExpired() {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !b.halfOpenProbe.CompareAndSwap(false, true) {
			return ErrCircuitOpen
		}
		defer b.halfOpenProbe.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= b.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.backoff(attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			b.recordSuccess()
			return nil
		}
		if !retryable(lastErr) {
			break
		}
	}

	b.recordFailure()
	if retryable(lastErr) {
		return errors.Join(ErrBackendUnavailable, lastErr)
	}
	return lastErr
}

// ForceProbe runs fn once outside the retry loop, feeding the breaker
// state machine. Used by health checks.
func (b *Breaker) ForceProbe(fn func() error) error {
	err := fn()
	if err == nil {
		b.recordSuccess()
	} else {
		b.recordFailure()
	}
	return err
}

func (b *Breaker) recordSuccess() {
	if b.State() == StateHalfOpen {
		b.transition(StateClosed)
		b.resetFailures()
	}
}

func (b *Breaker) recordFailure() {
	now := time.Now()

	// A failed half-open probe re-opens immediately; the windowed count
	// may have decayed below the threshold while the breaker was open.
	if b.State() == StateHalfOpen {
		b.openedAt.Store(now.UnixMilli())
		b.transition(StateOpen)
		b.logger.Warn("circuit breaker re-opened after failed probe")
		return
	}

	b.failureMu.Lock()
	b.failures[b.failureIdx] = now
	b.failureIdx = (b.failureIdx + 1) % len(b.failures)

	windowStart := now.Add(-b.config.Window)
	count := 0
	for _, t := range b.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}
	b.failureMu.Unlock()

	if count >= b.config.Threshold && b.State() != StateOpen {
		b.openedAt.Store(now.UnixMilli())
		b.transition(StateOpen)
		b.logger.Warn("circuit breaker opened",
			slog.Int("failures", count),
			slog.Duration("window", b.config.Window))
	}
}

func (b *Breaker) resetFailures() {
	b.failureMu.Lock()
	defer b.failureMu.Unlock()
	for i := range b.failures {
		b.failures[i] = time.Time{}
	}
	b.failureIdx = 0
}

func (b *Breaker) cooldownExpired() bool {
	opened := time.UnixMilli(b.openedAt.Load())
	return time.Since(opened) >= b.config.Cooldown
}

func (b *Breaker) transition(next BreakerState) {
	prev := BreakerState(b.state.Swap(int32(next)))
	if prev == next {
		return
	}
	b.logger.Info("circuit breaker state transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))

	b.handlerMu.RLock()
	handlers := b.handlers
	b.handlerMu.RUnlock()

	if next == StateOpen {
		for _, h := range handlers {
			h.OnOpen("circuit breaker open")
		}
	} else if prev == StateOpen || prev == StateHalfOpen {
		if next == StateClosed {
			for _, h := range handlers {
				h.OnClose()
			}
		}
	}
}

// backoff computes exponential backoff with jitter for an attempt.
func (b *Breaker) backoff(attempt int) time.Duration {
	d := b.config.RetryBackoff * time.Duration(1<<attempt)
	if d > b.config.MaxRetryBackoff {
		d = b.config.MaxRetryBackoff
	}
	jitterRange := float64(d) * b.config.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d = time.Duration(float64(d) + jitter)
	if d < 0 {
		d = b.config.RetryBackoff
	}
	return d
}

// retryable classifies an error as a transient backend failure.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	return false
}

// statusError carries an upstream HTTP status for retry classification.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string { return e.msg }

// NewStatusError wraps an upstream HTTP status so the breaker can
// classify it: 5xx retries, 4xx does not. Shared with the DShield
// client.
func NewStatusError(status int, msg string) error {
	return &statusError{status: status, msg: msg}
}
