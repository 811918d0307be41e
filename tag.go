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
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Tag is an opaque token for a card that entered the reader field.
type Tag struct {
	DetectedAt time.Time
	ID         string // Upper-case hex UID
	Reader     string // Reader or port the card was seen on
	UID        []byte
	ATS        []byte // Answer to select, when the reader reports it
	Target     byte   // Reader-assigned logical target number
}

// NewTag builds a Tag from a raw UID.
func NewTag(uid []byte) Tag {
	raw := make([]byte, len(uid))
	copy(raw, uid)
	return Tag{
		ID:         strings.ToUpper(hex.EncodeToString(raw)),
		UID:        raw,
		DetectedAt: time.Now(),
	}
}

// TagSource is the hardware side of card presence detection.
type TagSource interface {
	// NextTag blocks until a card is in the field. Errors for which
	// IsHardwareDisabled is true mean the reader is switched off or gone.
	NextTag(ctx context.Context) (Tag, error)
}

// Channel is one established connection to a present card.
type Channel interface {
	// Exchange sends a command APDU and returns the response APDU.
	Exchange(ctx context.Context, command []byte) ([]byte, error)
	// Close releases the card.
	Close() error
}

// ChannelOpener establishes a Channel to a card reported by a TagSource.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, tag Tag) (Channel, error)
}

// Reader is a contactless reader that both detects cards and talks to them.
type Reader interface {
	TagSource
	ChannelOpener
}

// OpenChannel opens a channel to tag, giving up after timeout. A late channel
// that arrives after the deadline is closed.
func OpenChannel(ctx context.Context, opener ChannelOpener, tag Tag, timeout time.Duration) (Channel, error) {
	return callWithTimeout(ctx, timeout, "open channel", tag.ID,
		func(opCtx context.Context) (Channel, error) {
			return opener.OpenChannel(opCtx, tag)
		},
		func(ch Channel) {
			if ch != nil {
				_ = ch.Close()
			}
		})
}

// WithExchangeTimeout bounds every Exchange on ch. An exchange that outlives
// timeout fails with ErrTransportTimeout even if the reader never answers.
func WithExchangeTimeout(ch Channel, timeout time.Duration, port string) Channel {
	if timeout <= 0 {
		return ch
	}
	return &timedChannel{inner: ch, timeout: timeout, port: port}
}

type timedChannel struct {
	inner   Channel
	port    string
	timeout time.Duration
}

func (c *timedChannel) Exchange(ctx context.Context, command []byte) ([]byte, error) {
	return callWithTimeout(ctx, c.timeout, "exchange", c.port,
		func(opCtx context.Context) ([]byte, error) {
			return c.inner.Exchange(opCtx, command)
		}, nil)
}

func (c *timedChannel) Close() error {
	return c.inner.Close()
}

type timedResult[T any] struct {
	val T
	err error
}

// callWithTimeout runs fn on its own goroutine so a stuck reader cannot hold
// the caller past timeout. discard receives results that arrive too late.
func callWithTimeout[T any](
	ctx context.Context,
	timeout time.Duration,
	op, port string,
	fn func(context.Context) (T, error),
	discard func(T),
) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan timedResult[T], 1)
	go func() {
		val, err := fn(opCtx)
		done <- timedResult[T]{val: val, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return zero, NewTimeoutError(op, port)
		}
		return res.val, res.err
	case <-opCtx.Done():
		if discard != nil {
			go func() {
				if res := <-done; res.err == nil {
					discard(res.val)
				}
			}()
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, NewTimeoutError(op, port)
	}
}
