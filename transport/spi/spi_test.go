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

package spi

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"testing"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/frame"
	virt "github.com/ZaparooProject/go-cardwall/internal/testing"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	errNoPackets = errors.New("packets not supported")
	errNoMode    = errors.New("mode not supported")
)

// chip is the device side of an SPI link, in MSB first byte order.
type chip interface {
	write(data []byte) error
	ready() bool
	read(buf []byte) error
}

// simConn is an spi.Conn that mirrors bits like the wire and hands the
// decoded transactions to a chip.
type simConn struct {
	chip   chip
	writes atomic.Int32
}

func (c *simConn) Tx(w, r []byte) error {
	clear(r)
	if len(w) == 0 {
		return nil
	}
	switch bits.Reverse8(w[0]) {
	case spiDataWrite:
		c.writes.Add(1)
		return c.chip.write(reverseBits(w[1:]))
	case spiStatRead:
		if len(r) > 1 && c.chip.ready() {
			r[1] = bits.Reverse8(spiReady)
		}
	case spiDataRead:
		if len(r) > 1 {
			buf := make([]byte, len(r)-1)
			if err := c.chip.read(buf); err != nil {
				return err
			}
			copy(r[1:], reverseBits(buf))
		}
	}
	return nil
}

func (*simConn) TxPackets([]spi.Packet) error { return errNoPackets }
func (*simConn) Duplex() conn.Duplex { return conn.Full }
func (*simConn) String() string { return "sim-spi" }

// simPort hands out one simConn.
type simPort struct {
	conn       *simConn
	connectErr error
	mode       spi.Mode
	closed     atomic.Bool
}

func (p *simPort) Connect(_ physic.Frequency, mode spi.Mode, _ int) (spi.Conn, error) {
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	p.mode = mode
	return p.conn, nil
}

func (*simPort) LimitSpeed(physic.Frequency) error { return nil }
func (*simPort) String() string { return "sim-spi" }

func (p *simPort) Close() error {
	p.closed.Store(true)
	return nil
}

// wireChip forwards to the wire-level simulator.
type wireChip struct{ sim *virt.VirtualPN532 }

func (c wireChip) write(data []byte) error {
	if _, err := c.sim.Write(data); err != nil {
		return fmt.Errorf("sim write: %w", err)
	}
	return nil
}

func (c wireChip) ready() bool { return c.sim.HasPendingResponse() }

func (c wireChip) read(buf []byte) error {
	if _, err := c.sim.Read(buf); err != nil {
		return fmt.Errorf("sim read: %w", err)
	}
	return nil
}

// ackOnlyChip ACKs every write and then never becomes ready again.
type ackOnlyChip struct{ pending atomic.Bool }

func (c *ackOnlyChip) write([]byte) error {
	c.pending.Store(true)
	return nil
}

func (c *ackOnlyChip) ready() bool { return c.pending.Load() }

func (c *ackOnlyChip) read(buf []byte) error {
	copy(buf, frame.AckFrame)
	c.pending.Store(false)
	return nil
}

// silentChip accepts writes and never reports ready.
type silentChip struct{}

func (silentChip) write([]byte) error { return nil }
func (silentChip) ready() bool { return false }
func (silentChip) read([]byte) error { return nil }

func newTestTransport(t *testing.T, c chip) (*Transport, *simPort) {
	t.Helper()
	port := &simPort{conn: &simConn{chip: c}}
	tr, err := NewWithPort(port, "/dev/spidev0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, port
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReverseBits(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []byte{0x80, 0x40, 0xC0, 0x00, 0xFF}, reverseBits([]byte{0x01, 0x02, 0x03, 0x00, 0xFF}))
	assert.Equal(t, byte(0x40), bits.Reverse8(spiStatRead))
}

func TestNewWithPort(t *testing.T) {
	t.Parallel()
	tr, port := newTestTransport(t, silentChip{})
	assert.Equal(t, spi.Mode0, port.mode)
	assert.Equal(t, pn532.TransportSPI, tr.Type())
	assert.Equal(t, "/dev/spidev0.0", tr.Port())
}

func TestNewWithPort_ConnectFailureClosesPort(t *testing.T) {
	t.Parallel()
	port := &simPort{conn: &simConn{chip: silentChip{}}, connectErr: errNoMode}
	_, err := NewWithPort(port, "/dev/spidev9.9")
	require.ErrorIs(t, err, errNoMode)
	assert.True(t, port.closed.Load())
}

func TestTransport_GetFirmwareVersion(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTransport(t, wireChip{sim: virt.NewVirtualPN532()})

	res, err := tr.SendCommand(testContext(t), 0x02, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x32, 0x01, 0x06, 0x07}, res)
}

func TestTransport_NACKRecoversCorruptedResponse(t *testing.T) {
	t.Parallel()
	sim := virt.NewVirtualPN532()
	sim.InjectChecksumError()
	tr, port := newTestTransport(t, wireChip{sim: sim})

	res, err := tr.SendCommand(testContext(t), 0x02, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), res[0])
	// Command frame plus one NACK.
	assert.Equal(t, int32(2), port.conn.writes.Load())
}

func TestTransport_NoACK(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTransport(t, silentChip{})
	tr.ackTimeout = 20 * time.Millisecond

	_, err := tr.SendCommand(testContext(t), 0x02, nil)
	require.ErrorIs(t, err, cardwall.ErrNoACK)
	assert.True(t, cardwall.IsRetryable(err))

	trace := cardwall.GetTrace(err)
	require.NotNil(t, trace)
	assert.Equal(t, string(pn532.TransportSPI), trace.Transport)
}

func TestTransport_ErrorFrame(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTransport(t, wireChip{sim: virt.NewVirtualPN532()})
	_, err := tr.SendCommand(testContext(t), 0x60, []byte{0xFF})
	require.ErrorIs(t, err, cardwall.ErrInvalidCommand)
}

func TestTransport_CancelAbortsCommand(t *testing.T) {
	t.Parallel()
	tr, port := newTestTransport(t, &ackOnlyChip{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.SendCommand(ctx, 0x4A, []byte{0x01, 0x00})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// Command frame plus the aborting ACK.
	assert.Equal(t, int32(2), port.conn.writes.Load())
}

func TestTransport_UnplugDisablesHardware(t *testing.T) {
	t.Parallel()
	sim := virt.NewVirtualPN532()
	tr, _ := newTestTransport(t, wireChip{sim: sim})
	sim.Unplug()

	_, err := tr.SendCommand(testContext(t), 0x02, nil)
	require.Error(t, err)
	assert.True(t, cardwall.IsHardwareDisabled(err))
}

func TestTransport_Close(t *testing.T) {
	t.Parallel()
	tr, port := newTestTransport(t, wireChip{sim: virt.NewVirtualPN532()})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, port.closed.Load())

	_, err := tr.SendCommand(testContext(t), 0x02, nil)
	require.ErrorIs(t, err, cardwall.ErrTransportClosed)
	assert.True(t, cardwall.IsFatal(err))
}

func TestTransport_DeviceEndToEnd(t *testing.T) {
	t.Parallel()
	sim := virt.NewVirtualPN532()
	sim.SetChunkSize(16)
	card := virt.NewVirtualHealthCard()
	sim.Insert(card)
	tr, _ := newTestTransport(t, wireChip{sim: sim})

	dev := pn532.New(tr, nil)
	ctx := testContext(t)
	require.NoError(t, dev.Init(ctx))

	tag, err := dev.NextTag(ctx)
	require.NoError(t, err)
	assert.Equal(t, card.UID, tag.UID)

	ch, err := dev.OpenChannel(ctx, tag)
	require.NoError(t, err)
	res, err := ch.Exchange(ctx, []byte{0x00, 0xCA, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x6D, 0x00}, res)
	require.NoError(t, ch.Close())
}
