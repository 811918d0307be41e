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

// Package spi talks to a PN532 on an SPI bus through periph.io.
package spi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/frame"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Operation bytes that open every SPI transaction (PN532 user manual 6.2.5).
const (
	spiDataWrite = 0x01
	spiStatRead  = 0x02
	spiDataRead  = 0x03
	spiReady     = 0x01
)

const (
	clockFreq    = physic.MegaHertz
	traceEntries = 16

	// Largest extended frame plus preamble, start code, lengths and checksums.
	maxFrameSize = frame.MaxFrameDataLength + 11
)

const (
	defaultACKTimeout = 100 * time.Millisecond
	wakeupDelay       = 2 * time.Millisecond
	minReadyDelay     = time.Millisecond
	maxReadyDelay     = 16 * time.Millisecond
)

// Transport implements pn532.Transport over SPI.
//
// The chip shifts bytes LSB first while most SPI controllers only do MSB
// first, so every byte on the wire is bit-reversed here.
type Transport struct {
	conn       spi.Conn
	port       spi.PortCloser
	portName   string
	ackTimeout time.Duration
	mu         syncutil.Mutex
	closed     bool
}

var _ pn532.Transport = (*Transport)(nil)

// New opens portName ("/dev/spidev0.0", "SPI0.0", or "" for the first
// port) in mode 0 at 1MHz.
func New(portName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %q: %w: %w", portName, cardwall.ErrDeviceNotFound, err)
	}
	return NewWithPort(port, portName)
}

// NewWithPort connects to an already open port and wakes the chip. The port
// is closed if the connection fails.
func NewWithPort(port spi.PortCloser, portName string) (*Transport, error) {
	conn, err := port.Connect(clockFreq, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI port %q: %w", portName, err)
	}
	t := &Transport{
		conn:       conn,
		port:       port,
		portName:   portName,
		ackTimeout: defaultACKTimeout,
	}
	t.wakeup()
	return t, nil
}

// wakeup pulses chip select with a dummy byte; a sleeping chip needs it
// before the first command.
func (t *Transport) wakeup() {
	if err := t.conn.Tx([]byte{0x00}, nil); err != nil {
		cardwall.Debugf("spi %s: wakeup: %v", t.portName, err)
	}
	time.Sleep(wakeupDelay)
}

// SendCommand implements pn532.Transport.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, cardwall.NewTransportError("send command", t.portName, cardwall.ErrTransportClosed, cardwall.ErrorTypePermanent)
	}
	trace := cardwall.NewTraceBuffer(string(pn532.TransportSPI), t.portName, traceEntries)
	res, err := t.sendCommand(ctx, trace, cmd, args)
	if err != nil {
		cardwall.Debugf("spi %s: command 0x%02X: %v", t.portName, cmd, err)
		return nil, trace.WrapError(err)
	}
	return res, nil
}

func (t *Transport) sendCommand(ctx context.Context, trace *cardwall.TraceBuffer, cmd byte, args []byte) ([]byte, error) {
	raw, err := frame.Command(cmd, args)
	if err != nil {
		return nil, &cardwall.TransportError{
			Op: "send command", Port: t.portName,
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
		return nil, cardwall.NewTransportError("receive frame", t.portName, cardwall.ErrInvalidCommand, cardwall.ErrorTypeTransient)
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
			return cardwall.NewNoACKError("wait ack", t.portName)
		}
		return err
	}
}

// receive reads the response, asking for retransmission of corrupted frames.
func (t *Transport) receive(ctx context.Context, trace *cardwall.TraceBuffer) (frame.Frame, error) {
	for nacks := 0; ; nacks++ {
		if err := t.waitReady(ctx); err != nil {
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
			return frame.Frame{}, cardwall.NewChecksumMismatchError("receive frame", t.portName)
		}
		trace.RecordTX(frame.NackFrame, "NACK")
		if err := t.write("send nack", frame.NackFrame); err != nil {
			return frame.Frame{}, err
		}
	}
}

// waitReady polls the status register with a doubling delay until the chip
// has an answer.
func (t *Transport) waitReady(ctx context.Context) error {
	delay := minReadyDelay
	for {
		status, err := t.transfer("ready check", spiStatRead, 1)
		if err != nil {
			return err
		}
		if status[0] == spiReady {
			return nil
		}
		if err := cardwall.SleepContext(ctx, delay); err != nil {
			return err
		}
		delay = min(delay*2, maxReadyDelay)
	}
}

func (t *Transport) read(op string, n int) ([]byte, error) {
	return t.transfer(op, spiDataRead, n)
}

// transfer clocks out operation and returns the n bytes the chip shifts back.
func (t *Transport) transfer(op string, operation byte, n int) ([]byte, error) {
	w := make([]byte, 1+n)
	r := make([]byte, 1+n)
	w[0] = bits.Reverse8(operation)
	if err := t.conn.Tx(w, r); err != nil {
		return nil, pn532.WrapIOError(op, t.portName, false, err)
	}
	return reverseBits(r[1:]), nil
}

func (t *Transport) write(op string, data []byte) error {
	w := make([]byte, 0, 1+len(data))
	w = append(w, bits.Reverse8(spiDataWrite))
	w = append(w, reverseBits(data)...)
	if err := t.conn.Tx(w, nil); err != nil {
		return pn532.WrapIOError(op, t.portName, true, err)
	}
	return nil
}

// abort sends an ACK, which makes the chip drop the running command.
func (t *Transport) abort() {
	if err := t.write("abort", frame.AckFrame); err != nil {
		cardwall.Debugf("spi %s: abort: %v", t.portName, err)
	}
}

// reverseBits returns data with every byte mirrored between LSB and MSB
// first order.
func reverseBits(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = bits.Reverse8(b)
	}
	return out
}

// Close implements pn532.Transport and releases the port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("failed to close SPI port: %w", err)
	}
	return nil
}

// Type implements pn532.Transport.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportSPI
}

// Port implements pn532.Transport.
func (t *Transport) Port() string {
	return t.portName
}
