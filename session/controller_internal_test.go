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

package session

import (
	"context"
	"testing"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	virt "github.com/ZaparooProject/go-cardwall/internal/testing"
	"github.com/ZaparooProject/go-cardwall/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stuckFlow talks to the card without honouring cancellation: run blocks
// until release is closed and then reports CardBlocked.
type stuckFlow struct {
	noPrepare
	started chan struct{}
	release chan struct{}
}

func newStuckFlow() *stuckFlow {
	return &stuckFlow{started: make(chan struct{}), release: make(chan struct{})}
}

func (*stuckFlow) name() string { return "stuck" }

func (*stuckFlow) required() []cardwall.CredentialField { return nil }

func (f *stuckFlow) run(
	_ context.Context,
	_ cardwall.Channel,
	_ cardwall.Credentials,
	emit protocol.Emit,
) (cardwall.ProtocolState, []TokenExchange, error) {
	close(f.started)
	<-f.release
	emit(cardwall.CardBlocked)
	return cardwall.CardBlocked, nil, nil
}

func (*stuckFlow) fieldToReenter(cardwall.ProtocolState) (cardwall.CredentialField, bool) {
	return 0, false
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out")
	}
}

func TestController_AbandonedRunCannotPublish(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	metrics.Enable()
	config := DefaultConfig()
	config.RetryDelay = 0
	config.CancelTimeout = 20 * time.Millisecond
	config.Stream = &cardwall.StreamConfig{Retry: cardwall.DefaultStreamRetryConfig()}
	reader := virt.NewVirtualReader()
	hub := NewHub(reader, config)
	go func() { _ = hub.Run(ctx) }()

	// A controller name of its own keeps the counter private to this test.
	const name = "abandoned-run"
	c := newController(name, hub, config, nil)
	go func() { _ = c.Run(ctx) }()
	states, unsubscribe := c.Observe()
	t.Cleanup(unsubscribe)
	next := func() cardwall.ProtocolState {
		t.Helper()
		select {
		case s := <-states:
			return s
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for a state")
			return cardwall.Idle
		}
	}
	require.Equal(t, cardwall.Idle, next())

	abandoned := newStuckFlow()
	require.NoError(t, c.start(ctx, abandoned))
	require.Equal(t, cardwall.FlowInitialized, next())
	reader.Present(virt.NewVirtualHealthCard())
	waitFor(t, abandoned.started)

	// The run ignores the cancel, so it is abandoned after CancelTimeout.
	require.NoError(t, c.Cancel(ctx))
	require.Equal(t, cardwall.Idle, next())
	assert.Empty(t, hub.ChannelHolder())

	// The card is still present, so the new run may reach it and block too.
	current := newStuckFlow()
	t.Cleanup(func() { close(current.release) })
	require.NoError(t, c.start(ctx, current))
	require.Equal(t, cardwall.FlowInitialized, next())

	dropped := func() float64 {
		return testutil.ToFloat64(metrics.StaleUpdatesDropped.WithLabelValues(name))
	}
	before := dropped()
	close(abandoned.release)

	// Its CardBlocked and its completion both carry the old generation.
	require.Eventually(t, func() bool { return dropped() == before+2 }, 5*time.Second, 5*time.Millisecond)
	select {
	case s := <-states:
		assert.Failf(t, "abandoned run published", "got %s", s)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, cardwall.FlowInitialized, c.State())
}

func TestController_EndRunClearsCredentials(t *testing.T) {
	t.Parallel()

	c := newController("forget", NewHub(virt.NewVirtualReader(), nil), nil, nil)
	creds, err := c.creds.With(cardwall.FieldCAN, virt.DefaultCAN)
	require.NoError(t, err)
	c.creds, err = creds.With(cardwall.FieldPIN, virt.DefaultPIN)
	require.NoError(t, err)

	c.flow = &loginFlow{}
	c.endRun(cardwall.PinRetriesLeft(2))
	assert.Error(t, c.creds.Require(cardwall.FieldCAN, cardwall.FieldPIN))
	assert.NoError(t, c.creds.Require(cardwall.FieldCAN))

	c.endRun(cardwall.Finished)
	assert.ErrorIs(t, c.creds.Require(cardwall.FieldCAN), cardwall.ErrMissingCredential)
}

func TestController_StopKeepsTokensOfFinishedRun(t *testing.T) {
	t.Parallel()

	c := newController("settle", NewHub(virt.NewVirtualReader(), nil), nil, nil)
	var got []TokenExchange
	c.SetOnTokenExchange(func(te TokenExchange) { got = append(got, te) })
	c.gen, c.runID = 3, "run-3"
	token := TokenExchange{Kind: TokenExchangeHealthCard}

	c.publish(cardwall.CommunicationInterrupted)
	c.settle(update{gen: 3, kind: updateDone, tokens: []TokenExchange{token}})
	assert.Empty(t, got)

	c.publish(cardwall.Finished)
	c.settle(update{gen: 2, kind: updateDone, tokens: []TokenExchange{token}})
	assert.Empty(t, got)

	c.settle(update{gen: 3, kind: updateDone, tokens: []TokenExchange{token}})
	require.Len(t, got, 1)
	assert.Equal(t, "run-3", got[0].RunID)
}
