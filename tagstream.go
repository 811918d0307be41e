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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"golang.org/x/time/rate"
)

// ErrStreamRunning is returned when Run is called on a stream that is already running.
var ErrStreamRunning = errors.New("tag stream already running")

// StreamConfig configures a TagStream.
type StreamConfig struct {
	// Retry shapes the backoff after transient tag source errors.
	Retry *RetryConfig
	// PollRate caps NextTag calls per second. Zero disables the cap.
	PollRate float64
}

// DefaultStreamConfig returns the default tag stream configuration.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		Retry:    DefaultStreamRetryConfig(),
		PollRate: StreamPollRate,
	}
}

// TagEvent is one delivery from a TagStream. Err is only set when the
// hardware is disabled; transient errors never reach subscribers.
type TagEvent struct {
	Err error
	Tag Tag
}

// TagStream turns a pull-based TagSource into a shared hot stream. The source
// is only polled while somebody is subscribed. A disabled reader parks the
// stream until Restart is called.
type TagStream struct {
	source  TagSource
	limiter *rate.Limiter
	backoff *Backoff
	subs    map[uint64]chan TagEvent
	wake    chan struct{}
	restart chan struct{}
	nextID  uint64
	mu      syncutil.Mutex
	running atomic.Bool
	parked  atomic.Bool
}

// NewTagStream creates a stream over source. A nil config uses DefaultStreamConfig.
func NewTagStream(source TagSource, config *StreamConfig) *TagStream {
	if config == nil {
		config = DefaultStreamConfig()
	}
	limit := rate.Inf
	if config.PollRate > 0 {
		limit = rate.Limit(config.PollRate)
	}
	return &TagStream{
		source:  source,
		limiter: rate.NewLimiter(limit, 1),
		backoff: NewBackoff(config.Retry),
		subs:    make(map[uint64]chan TagEvent),
		wake:    make(chan struct{}, 1),
		restart: make(chan struct{}, 1),
	}
}

// Subscribe registers a receiver. Each subscriber keeps only the most recent
// undelivered event. The returned function unsubscribes and closes the channel.
func (s *TagStream) Subscribe() (events <-chan TagEvent, unsubscribe func()) {
	ch := make(chan TagEvent, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	signal(s.wake)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// Restart resumes polling after a hardware-disabled event, typically once the
// user has switched the reader back on.
func (s *TagStream) Restart() {
	signal(s.restart)
}

// Disabled reports whether the stream is parked on a hardware-disabled error.
func (s *TagStream) Disabled() bool {
	return s.parked.Load()
}

// Run polls the source until ctx is done.
func (s *TagStream) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrStreamRunning
	}
	defer s.running.Store(false)

	for {
		if err := s.waitForSubscribers(ctx); err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		tag, err := s.source.NextTag(ctx)
		switch {
		case err == nil:
			metrics.RecordTagStream("tag")
			s.backoff.Reset()
			s.publish(TagEvent{Tag: tag})
		case ctx.Err() != nil:
			return ctx.Err()
		case IsHardwareDisabled(err):
			metrics.RecordTagStream("disabled")
			Debugf("tag stream: hardware disabled, waiting for restart: %v", err)
			if err := s.park(ctx, err); err != nil {
				return err
			}
		default:
			metrics.RecordTagStream("transient")
			delay := s.backoff.Next()
			Debugf("tag stream: transient error, retrying in %v: %v", delay, err)
			if err := SleepContext(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (s *TagStream) park(ctx context.Context, cause error) error {
	// Drop restarts requested before the reader went away.
	select {
	case <-s.restart:
	default:
	}
	s.parked.Store(true)
	defer s.parked.Store(false)
	s.publish(TagEvent{Err: cause})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.restart:
		Debugln("tag stream: restarted")
		s.backoff.Reset()
		return nil
	}
}

func (s *TagStream) waitForSubscribers(ctx context.Context) error {
	for {
		s.mu.Lock()
		n := len(s.subs)
		s.mu.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

func (s *TagStream) publish(ev TagEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Replace the stale event the subscriber has not picked up yet.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
