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

package pn532_test

import (
	"context"
	"testing"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/card"
	virt "github.com/ZaparooProject/go-cardwall/internal/testing"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newDevice(t *testing.T, config *pn532.Config) (*pn532.Device, *virt.VirtualPN532) {
	t.Helper()
	sim := virt.NewVirtualPN532()
	if config == nil {
		config = &pn532.Config{PollInterval: 5 * time.Millisecond}
	}
	dev := pn532.New(virt.NewSimulatorTransport(sim), config)
	require.NoError(t, dev.Init(testContext(t)))
	t.Cleanup(func() { _ = dev.Close() })
	return dev, sim
}

func TestDevice_Init(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)

	assert.Equal(t, "1.6", dev.Firmware().Version)
	assert.Equal(t, "simulator", dev.Port())
	assert.Equal(t, pn532.TransportMock, dev.Transport().Type())
	state := sim.State()
	assert.True(t, state.SAMConfigured)
	assert.Equal(t, 1, sim.CommandCount(0x14))
	assert.Equal(t, 1, sim.CommandCount(0x32))
}

func TestDevice_InitUnplugged(t *testing.T) {
	t.Parallel()
	sim := virt.NewVirtualPN532()
	sim.Unplug()
	dev := pn532.New(virt.NewSimulatorTransport(sim), nil)

	err := dev.Init(testContext(t))
	require.Error(t, err)
	assert.True(t, cardwall.IsHardwareDisabled(err))
}

func TestDevice_NextTagReportsCardOnce(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	healthCard := virt.NewVirtualHealthCard()
	sim.Insert(healthCard)

	tag, err := dev.NextTag(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, healthCard.UID, tag.UID)
	assert.Equal(t, virt.DefaultATS, tag.ATS)
	assert.Equal(t, byte(1), tag.Target)
	assert.Equal(t, "simulator", tag.Reader)

	// Still in the field: not reported again.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = dev.NextTag(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sim.Remove()
	go func() {
		time.Sleep(30 * time.Millisecond)
		sim.Insert(healthCard)
	}()
	tag, err = dev.NextTag(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, healthCard.UID, tag.UID)
}

func TestDevice_OpenChannelTagLost(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	sim.Insert(virt.NewVirtualHealthCard())

	tag, err := dev.NextTag(testContext(t))
	require.NoError(t, err)
	sim.Remove()

	_, err = dev.OpenChannel(testContext(t), tag)
	require.ErrorIs(t, err, cardwall.ErrTagLost)

	// A different card in the field is not the tag that was detected.
	sim.Insert(virt.NewVirtualHealthCard(virt.WithUID([]byte{0x08, 0xAA, 0xBB, 0xCC})))
	_, err = dev.OpenChannel(testContext(t), tag)
	require.ErrorIs(t, err, cardwall.ErrTagLost)

	// The chip was released each time.
	_, err = dev.NextTag(testContext(t))
	require.NoError(t, err)
}

func TestDevice_ChannelExcludesPolling(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	sim.Insert(virt.NewVirtualHealthCard())

	tag, err := dev.NextTag(testContext(t))
	require.NoError(t, err)
	ch, err := dev.OpenChannel(testContext(t), tag)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = dev.NextTag(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	_, err = ch.Exchange(testContext(t), []byte{0x00, 0xCA, 0x00, 0x00, 0x00})
	require.ErrorIs(t, err, cardwall.ErrTransportClosed)
	assert.Equal(t, 1, sim.CommandCount(0x52))
}

func TestDevice_TrustedSessionWithChaining(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, &pn532.Config{PollInterval: 5 * time.Millisecond, ChunkSize: 8})
	sim.SetChunkSize(16)
	healthCard := virt.NewVirtualHealthCard()
	sim.Insert(healthCard)

	ctx := testContext(t)
	tag, err := dev.NextTag(ctx)
	require.NoError(t, err)
	ch, err := dev.OpenChannel(ctx, tag)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	sess := card.NewSession(ch, nil)
	require.NoError(t, sess.EstablishTrustedChannel(ctx, virt.DefaultCAN))
	assert.True(t, sess.Trusted())
	require.NoError(t, sess.VerifyPIN(ctx, virt.DefaultPIN))

	cert, err := sess.ReadCertificate(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthCard.Certificate(), cert)
	assert.Greater(t, sim.CommandCount(0x40), len(healthCard.Commands()))
}

func TestDevice_CardRemovedDuringExchange(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	sim.Insert(virt.NewVirtualHealthCard())

	ctx := testContext(t)
	tag, err := dev.NextTag(ctx)
	require.NoError(t, err)
	ch, err := dev.OpenChannel(ctx, tag)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	sim.RemoveAfter(0)
	_, err = ch.Exchange(ctx, []byte{0x00, 0xCA, 0x00, 0x00, 0x00})
	require.ErrorIs(t, err, cardwall.ErrTransportTimeout)
	assert.False(t, cardwall.IsHardwareDisabled(err))
}

func TestDevice_UnplugDuringPolling(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		sim.Unplug()
	}()

	_, err := dev.NextTag(testContext(t))
	require.Error(t, err)
	assert.True(t, cardwall.IsHardwareDisabled(err))
}

func TestDevice_RecoverReportsPresentCardAgain(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	sim.Insert(virt.NewVirtualHealthCard())

	first, err := dev.NextTag(testContext(t))
	require.NoError(t, err)

	require.NoError(t, dev.Recover(testContext(t), pn532.RecoveryConfig{Backoff: time.Millisecond}))
	assert.Equal(t, 2, sim.CommandCount(0x14), "recovery repeats SAMConfiguration")

	again, err := dev.NextTag(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestDevice_RecoverReopensTransport(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	old := dev.Transport()
	sim.Unplug()

	_, err := dev.NextTag(testContext(t))
	require.True(t, cardwall.IsHardwareDisabled(err), "got %v", err)

	replugged := virt.NewVirtualPN532()
	replugged.Insert(virt.NewVirtualHealthCard())
	reopens := 0
	err = dev.Recover(testContext(t), pn532.RecoveryConfig{
		Backoff:     time.Millisecond,
		MaxAttempts: 2,
		Reopen: func(context.Context) (pn532.Transport, error) {
			reopens++
			return virt.NewSimulatorTransport(replugged), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reopens)
	assert.NotSame(t, old, dev.Transport())

	_, err = old.SendCommand(testContext(t), 0x02, nil)
	require.ErrorIs(t, err, cardwall.ErrTransportClosed)

	tag, err := dev.NextTag(testContext(t))
	require.NoError(t, err)
	assert.NotEmpty(t, tag.ID)
}

func TestDevice_RecoverGivesUp(t *testing.T) {
	t.Parallel()
	dev, sim := newDevice(t, nil)
	sim.Unplug()

	err := dev.Recover(testContext(t), pn532.RecoveryConfig{Backoff: time.Millisecond, MaxAttempts: 2})
	require.Error(t, err)
	assert.True(t, cardwall.IsHardwareDisabled(err))
	assert.Contains(t, err.Error(), "pn532 recover")
}
