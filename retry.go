// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cardwall

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig shapes retries of reader commands and the tag stream backoff.
type RetryConfig struct {
	// MaxAttempts bounds RetryWithConfig; the tag stream ignores it.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds up to this fraction of the delay, drawn at random.
	Jitter float64
	// RetryTimeout bounds all attempts together. Zero means no bound.
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the retries used while bringing a reader up.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       DefaultConnectionRetries,
		InitialBackoff:    ConnectionInitialBackoff,
		MaxBackoff:        ConnectionMaxBackoff,
		BackoffMultiplier: ConnectionBackoffMultiplier,
		Jitter:            ConnectionJitter,
		RetryTimeout:      ConnectionRetryTimeout,
	}
}

// DefaultStreamRetryConfig returns the unbounded backoff used while waiting
// for tags. MaxAttempts and RetryTimeout are ignored by the tag stream.
func DefaultStreamRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialBackoff:    StreamInitialBackoff,
		MaxBackoff:        StreamMaxBackoff,
		BackoffMultiplier: StreamBackoffMultiplier,
		Jitter:            StreamJitter,
	}
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func() error

// RetryWithConfig calls fn until it succeeds, returns an error IsRetryable
// rejects, or config's attempts or RetryTimeout run out. The last attempt's
// error is returned; a context that ends before the first attempt yields a
// wrapped ctx.Err(). A nil config uses DefaultRetryConfig and MaxAttempts <= 0
// means a single attempt.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return fn()
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry context cancelled: %w", err)
	}

	backoff := NewBackoff(config)
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) || attempt >= config.MaxAttempts {
			return err
		}
		if SleepContext(ctx, backoff.Next()) != nil {
			return err
		}
	}
}

func calculateNextBackoff(backoff time.Duration, config *RetryConfig) time.Duration {
	newBackoff := time.Duration(float64(backoff) * config.BackoffMultiplier)
	if newBackoff > config.MaxBackoff {
		return config.MaxBackoff
	}
	return newBackoff
}

// Backoff hands out growing, jittered delays for loops that retry forever.
// It is not safe for concurrent use.
type Backoff struct {
	config *RetryConfig
	next   time.Duration
}

// NewBackoff creates a Backoff starting at config.InitialBackoff.
func NewBackoff(config *RetryConfig) *Backoff {
	if config == nil {
		config = DefaultStreamRetryConfig()
	}
	return &Backoff{config: config, next: config.InitialBackoff}
}

// Next returns the delay to wait before the next attempt and grows the base.
func (b *Backoff) Next() time.Duration {
	sleep := calculateJitteredSleep(b.next, b.config.Jitter)
	b.next = calculateNextBackoff(b.next, b.config)
	return sleep
}

// Reset starts the sequence over after a successful attempt.
func (b *Backoff) Reset() {
	b.next = b.config.InitialBackoff
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateJitteredSleep adds a random share of up to jitterFactor*base.
func calculateJitteredSleep(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	return base + time.Duration(rand.Float64()*jitterFactor*float64(base))
}
