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

// Package i2c talks to a PN532 on an I2C bus through periph.io.
package i2c

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/frame"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	pn532Addr    = 0x24
	maxClockFreq = 400 * physic.KiloHertz
	pn532Ready   = 0x01
	traceEntries = 16

	// Largest extended frame plus preamble, start code, lengths and checksums.
	maxFrameSize = frame.MaxFrameDataLength + 11
)

const (
	defaultACKTimeout = 100 * time.Millisecond
	minReadyDelay     = time.Millisecond
	maxReadyDelay     = 16 * time.Millisecond
)

// Transport implements pn532.Transport over I2C.
//
// Every read transaction starts with a status byte and restarts at the
// beginning of the chip's output buffer, so a frame is always read whole.
type Transport struct {
	dev        *i2c.Dev
	bus        i2c.BusCloser
	busName    string
	ackTimeout time.Duration
	mu         syncutil.Mutex
	closed     bool
}

var _ pn532.Transport = (*Transport)(nil)

// parseI2CPath strips an optional ":addr" suffix from a bus name.
func parseI2CPath(path string) string {
	name, _, _ := strings.Cut(path, ":")
	return name
}

// New opens busName ("/dev/i2c-1", "1", or "" for the first bus) and
// clocks it at 400kHz.
func New(busName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	name := parseI2CPath(busName)
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w: %w", name, cardwall.ErrDeviceNotFound, err)
	}
	if err := bus.SetSpeed(maxClockFreq); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("failed to set I2C bus speed: %w", err)
	}
	return NewWithBus(bus, busName), nil
}

// NewWithBus uses an already open bus.
func NewWithBus(bus i2c.BusCloser, busName string) *Transport {
	return &Transport{
		dev:        &i2c.Dev{Addr: pn532Addr, Bus: bus},
		bus:        bus,
		busName:    busName,
		ackTimeout: defaultACKTimeout,
	}
}

// SendCommand implements pn532.Transport.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, cardwall.NewTransportError("send command", t.busName, cardwall.ErrTransportClosed, cardwall.ErrorTypePermanent)
	}
	trace := cardwall.NewTraceBuffer(string(pn532.TransportI2C), t.busName, traceEntries)
	res, err := t.sendCommand(ctx, trace, cmd, args)
	if err != nil {
		cardwall.Debugf("i2c %s: command 0x%02X: %v", t.busName, cmd, err)
		return nil, trace.WrapError(err)
	}
	return res, nil
}

func (t *Transport) sendCommand(ctx context.Context, trace *cardwall.TraceBuffer, cmd byte, args []byte) ([]byte, error) {
	raw, err := frame.Command(cmd, args)
	if err != nil {
		return nil, &cardwall.TransportError{
			Op: "send command", Port: t.busName,
			Err:  cardwall.ErrDataTooLarge,
			Type: cardwall.ErrorTypeTransient,
		}
	}

	trace.RecordTX(raw, fmt.Sprintf("cmd 0x%02X", cmd))
	if err := t.write("send frame", raw); err != nil {
		return nil, err
	}
	if err := t.waitAck(ctx, trace); err != nil {
		return nil, err
	}

	res, err := t.receive(ctx, trace)
	if err != nil {
		return nil, err
	}
	if res.Kind == frame.KindError {
		return nil, cardwall.NewTransportError("receive frame", t.busName, cardwall.ErrInvalidCommand, cardwall.ErrorTypeTransient)
	}
	return res.Data, nil
}

func (t *Transport) waitAck(ctx context.Context, trace *cardwall.TraceBuffer) error {
	ackCtx, cancel := context.WithTimeout(ctx, t.ackTimeout)
	defer cancel()

	for {
		err := t.waitReady(ackCtx)
		if err == nil {
			var buf []byte
			buf, err = t.read("read ack", len(frame.AckFrame))
			if err == nil && bytes.Equal(buf, frame.AckFrame) {
				trace.RecordRX(buf, "ACK")
				return nil
			}
			if err == nil {
				trace.RecordRX(buf, "not ACK")
				continue
			}
		}
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			trace.RecordTimeout("ack")
			return cardwall.NewNoACKError("wait ack", t.busName)
		}
		return err
	}
}

// receive reads the response, asking for retransmission of corrupted frames.
func (t *Transport) receive(ctx context.Context, trace *cardwall.TraceBuffer) (frame.Frame, error) {
	for nacks := 0; ; nacks++ {
		err := t.waitReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				trace.RecordTimeout("response")
				t.abort()
			}
			return frame.Frame{}, err
		}

		buf, err := t.read("read frame", maxFrameSize)
		if err != nil {
			return frame.Frame{}, err
		}
		f, n, err := frame.Decode(buf, frame.PN532ToHost)
		trace.RecordRX(buf[:n], f.Kind.String())
		if err == nil && f.Kind != frame.KindAck && f.Kind != frame.KindNack {
			return f, nil
		}

		if nacks >= cardwall.TransportACKRetries {
			return frame.Frame{}, cardwall.NewChecksumMismatchError("receive frame", t.busName)
		}
		trace.RecordTX(frame.NackFrame, "NACK")
		if err := t.write("send nack", frame.NackFrame); err != nil {
			return frame.Frame{}, err
		}
	}
}

// waitReady polls the status byte with a doubling delay until the chip has
// an answer. Bus errors other than a vanished adapter are polled through,
// since the chip stretches or NAKs while busy.
func (t *Transport) waitReady(ctx context.Context) error {
	status := make([]byte, 1)
	delay := minReadyDelay
	for {
		err := t.dev.Tx(nil, status)
		if err != nil && cardwall.IsFatal(err) {
			return pn532.WrapIOError("ready check", t.busName, false, err)
		}
		if err == nil && status[0] == pn532Ready {
			return nil
		}
		if err := cardwall.SleepContext(ctx, delay); err != nil {
			return err
		}
		delay = min(delay*2, maxReadyDelay)
	}
}

// read performs one read transaction of n bytes after the status byte.
func (t *Transport) read(op string, n int) ([]byte, error) {
	buf := make([]byte, 1+n)
	if err := t.dev.Tx(nil, buf); err != nil {
		return nil, pn532.WrapIOError(op, t.busName, false, err)
	}
	if buf[0] != pn532Ready {
		return nil, cardwall.NewTransportError(op, t.busName, cardwall.ErrTransportNotReady, cardwall.ErrorTypeTransient)
	}
	return buf[1:], nil
}

func (t *Transport) write(op string, data []byte) error {
	if err := t.dev.Tx(data, nil); err != nil {
		return pn532.WrapIOError(op, t.busName, true, err)
	}
	return nil
}

// abort sends an ACK, which makes the chip drop the running command.
func (t *Transport) abort() {
	if err := t.dev.Tx(frame.AckFrame, nil); err != nil {
		cardwall.Debugf("i2c %s: abort: %v", t.busName, err)
	}
}

// Close implements pn532.Transport and releases the bus file descriptor.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.bus.Close(); err != nil {
		return fmt.Errorf("failed to close I2C bus: %w", err)
	}
	return nil
}

// Type implements pn532.Transport.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportI2C
}

// Port implements pn532.Transport.
func (t *Transport) Port() string {
	return t.busName
}
