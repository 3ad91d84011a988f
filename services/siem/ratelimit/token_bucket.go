// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements the three-tier request admission policy:
// a per-API-key token bucket, a per-connection sliding window, and a
// global sliding window. Tiers are evaluated in that order and the first
// rejection short-circuits.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultKeyRPM is the conservative budget applied to API keys that were
// never explicitly configured.
const DefaultKeyRPM = 10

// KeyStats is a point-in-time snapshot of one key's bucket.
type KeyStats struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	BurstSize         int           `json:"burst_size"`
	CurrentTokens     float64       `json:"current_tokens"`
	WaitTime          time.Duration `json:"wait_time"`
	IsBlocked         bool          `json:"is_blocked"`
}

// keyBucket pairs an x/time limiter with its configured budget so stats
// can be reported in requests-per-minute terms.
type keyBucket struct {
	limiter *rate.Limiter
	rpm     int
	burst   int
}

// KeyLimiter is the per-API-key token bucket tier.
//
// Tokens refill at rpm/60 per second; refills are computed lazily by the
// underlying rate.Limiter on each access. A blocked key is denied
// regardless of available tokens.
type KeyLimiter struct {
	mu      sync.Mutex
	buckets map[string]*keyBucket
	blocked map[string]struct{}
	now     func() time.Time
}

// NewKeyLimiter creates an empty per-key limiter.
func NewKeyLimiter() *KeyLimiter {
	return &KeyLimiter{
		buckets: make(map[string]*keyBucket),
		blocked: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Configure creates or replaces the bucket for a key.
//
// Inputs:
//
//	key - The API key.
//	rpm - Sustained requests per minute. Must be positive.
//	burst - Bucket capacity. Zero means burst = rpm.
func (l *KeyLimiter) Configure(key string, rpm, burst int) {
	if rpm <= 0 {
		rpm = DefaultKeyRPM
	}
	if burst <= 0 {
		burst = rpm
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = &keyBucket{
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		rpm:     rpm,
		burst:   burst,
	}
}

// Remove deletes a key's bucket and block state.
func (l *KeyLimiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	delete(l.blocked, key)
}

// Block denies all requests for a key until Unblock is called.
func (l *KeyLimiter) Block(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[key] = struct{}{}
}

// Unblock restores normal admission for a key.
func (l *KeyLimiter) Unblock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, key)
}

// Allow consumes one token for the key if available.
//
// Outputs:
//
//	bool - True if the request is admitted.
//	time.Duration - On denial, how long until one token is available.
func (l *KeyLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, isBlocked := l.blocked[key]; isBlocked {
		return false, 0
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &keyBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(DefaultKeyRPM)/60.0), DefaultKeyRPM),
			rpm:     DefaultKeyRPM,
			burst:   DefaultKeyRPM,
		}
		l.buckets[key] = b
	}

	now := l.now()
	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, l.waitTimeLocked(b, now)
}

// Stats returns a snapshot for a key. Unknown keys report the default
// bucket configuration.
func (l *KeyLimiter) Stats(key string) KeyStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, isBlocked := l.blocked[key]
	b, ok := l.buckets[key]
	if !ok {
		return KeyStats{
			RequestsPerMinute: DefaultKeyRPM,
			BurstSize:         DefaultKeyRPM,
			CurrentTokens:     float64(DefaultKeyRPM),
			IsBlocked:         isBlocked,
		}
	}

	now := l.now()
	tokens := b.limiter.TokensAt(now)
	stats := KeyStats{
		RequestsPerMinute: b.rpm,
		BurstSize:         b.burst,
		CurrentTokens:     tokens,
		IsBlocked:         isBlocked,
	}
	if tokens < 1 {
		stats.WaitTime = l.waitTimeLocked(b, now)
	}
	return stats
}

// waitTimeLocked computes (1 - tokens) * 60 / rpm as a duration.
func (l *KeyLimiter) waitTimeLocked(b *keyBucket, now time.Time) time.Duration {
	tokens := b.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	secs := (1 - tokens) * 60.0 / float64(b.rpm)
	return time.Duration(secs * float64(time.Second))
}
