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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	delay  time.Duration
	closed atomic.Bool
}

func (c *stubChannel) Exchange(ctx context.Context, command []byte) ([]byte, error) {
	select {
	case <-time.After(c.delay):
		return append(command, 0x90, 0x00), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stubChannel) Close() error {
	c.closed.Store(true)
	return nil
}

type stubOpener struct {
	ch    *stubChannel
	err   error
	delay time.Duration
	// ignoreCtx makes OpenChannel finish late even after cancellation.
	ignoreCtx bool
}

func (o *stubOpener) OpenChannel(ctx context.Context, _ Tag) (Channel, error) {
	if o.ignoreCtx {
		time.Sleep(o.delay)
		return o.ch, o.err
	}
	select {
	case <-time.After(o.delay):
		return o.ch, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestOpenChannel(t *testing.T) {
	t.Parallel()

	ch := &stubChannel{}
	got, err := OpenChannel(context.Background(), &stubOpener{ch: ch}, NewTag([]byte{1}), time.Second)
	require.NoError(t, err)
	assert.Same(t, ch, got)
}

func TestOpenChannel_PassesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("no ISO-DEP")
	_, err := OpenChannel(context.Background(), &stubOpener{err: boom}, NewTag([]byte{1}), time.Second)
	require.ErrorIs(t, err, boom)
}

func TestOpenChannel_TimeoutClosesLateChannel(t *testing.T) {
	t.Parallel()

	ch := &stubChannel{}
	opener := &stubOpener{ch: ch, delay: 50 * time.Millisecond, ignoreCtx: true}

	_, err := OpenChannel(context.Background(), opener, NewTag([]byte{0xAB}), 5*time.Millisecond)
	require.ErrorIs(t, err, ErrTransportTimeout)
	assert.True(t, IsRetryable(err))

	assert.Eventually(t, ch.closed.Load, time.Second, 5*time.Millisecond)
}

func TestOpenChannel_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := OpenChannel(ctx, &stubOpener{delay: time.Hour}, NewTag([]byte{1}), time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancellation(err))
}

func TestWithExchangeTimeout(t *testing.T) {
	t.Parallel()

	inner := &stubChannel{}
	assert.Same(t, Channel(inner), WithExchangeTimeout(inner, 0, "ttyUSB0"))

	ch := WithExchangeTimeout(inner, time.Second, "ttyUSB0")
	res, err := ch.Exchange(context.Background(), []byte{0x00, 0xB0})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xB0, 0x90, 0x00}, res)

	require.NoError(t, ch.Close())
	assert.True(t, inner.closed.Load())
}

func TestWithExchangeTimeout_SlowCard(t *testing.T) {
	t.Parallel()

	ch := WithExchangeTimeout(&stubChannel{delay: time.Hour}, 10*time.Millisecond, "ttyUSB0")

	start := time.Now()
	_, err := ch.Exchange(context.Background(), []byte{0x00})
	require.ErrorIs(t, err, ErrTransportTimeout)
	assert.Less(t, time.Since(start), time.Second)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "exchange", te.Op)
	assert.Equal(t, "ttyUSB0", te.Port)
}
