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

// Package uart talks to a PN532 over a serial port (HSU mode).
package uart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/frame"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"go.bug.st/serial"
)

const (
	baudRate      = 115200
	cmdInListTags = 0x4A
	traceEntries  = 16
)

// The chip sleeps after power-up; a 0x55 followed by idle bytes wakes it.
var wakeUp = []byte{
	0x55, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// Transport implements pn532.Transport over a serial port.
type Transport struct {
	port       serial.Port
	portName   string
	rx         []byte
	ackTimeout time.Duration
	mu         syncutil.Mutex
	closed     bool
}

var _ pn532.Transport = (*Transport)(nil)

func isWindows() bool {
	return runtime.GOOS == "windows"
}

// readTimeout is 50ms, proven on Linux and macOS; Windows drivers need 100ms.
func readTimeout() time.Duration {
	if isWindows() {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// New opens portName at 115200 8N1.
func New(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("failed to open UART port %s: %w: %w", portName, cardwall.ErrDeviceNotFound, err)
		}
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readTimeout()); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	return NewWithPort(port, portName), nil
}

// NewWithPort wraps an already open port.
func NewWithPort(port serial.Port, portName string) *Transport {
	return &Transport{port: port, portName: portName, ackTimeout: cardwall.TransportACKTimeout}
}

// SendCommand implements pn532.Transport. An expired ctx aborts the command
// on the chip with an ACK.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, cardwall.NewTransportError("send command", t.portName, cardwall.ErrTransportClosed, cardwall.ErrorTypePermanent)
	}
	trace := cardwall.NewTraceBuffer(string(pn532.TransportUART), t.portName, traceEntries)
	res, err := t.sendCommand(ctx, trace, cmd, args)
	if err != nil {
		cardwall.Debugf("uart %s: command 0x%02X: %v", t.portName, cmd, err)
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

	t.rx = t.rx[:0]
	if err := t.port.ResetInputBuffer(); err != nil {
		cardwall.Debugf("uart %s: reset input buffer: %v", t.portName, err)
	}

	out := make([]byte, 0, len(wakeUp)+len(raw))
	out = append(out, wakeUp...)
	out = append(out, raw...)
	trace.RecordTX(raw, fmt.Sprintf("cmd 0x%02X", cmd))
	if err := t.write("send frame", out); err != nil {
		return nil, err
	}

	first, err := t.waitAck(ctx, trace)
	if err != nil {
		return nil, err
	}

	res := first
	if res.Kind == frame.KindAck {
		res, err = t.receive(ctx, trace, cmd)
		if err != nil {
			return nil, err
		}
	}
	if res.Kind == frame.KindError {
		return nil, cardwall.NewTransportError("receive frame", t.portName, cardwall.ErrInvalidCommand, cardwall.ErrorTypeTransient)
	}

	if err := t.write("send ack", frame.AckFrame); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// waitAck returns the ACK, or the response itself when clone firmware skips
// the ACK.
func (t *Transport) waitAck(ctx context.Context, trace *cardwall.TraceBuffer) (frame.Frame, error) {
	ackCtx, cancel := context.WithTimeout(ctx, t.ackTimeout)
	defer cancel()

	for {
		f, err := t.readFrame(ackCtx, trace)
		switch {
		case err == nil && f.Kind == frame.KindNack:
			continue
		case err == nil:
			return f, nil
		case errors.Is(err, frame.ErrDataChecksum), errors.Is(err, frame.ErrLengthChecksum):
			// A corrupted ACK is indistinguishable from noise.
			continue
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			trace.RecordTimeout("ack")
			return frame.Frame{}, cardwall.NewNoACKError("wait ack", t.portName)
		default:
			return frame.Frame{}, err
		}
	}
}

// receive reads the response frame, asking for retransmission of corrupted
// frames.
func (t *Transport) receive(ctx context.Context, trace *cardwall.TraceBuffer, cmd byte) (frame.Frame, error) {
	for nacks := 0; ; {
		f, err := t.readFrame(ctx, trace)
		switch {
		case err == nil && (f.Kind == frame.KindAck || f.Kind == frame.KindNack):
			continue
		case err == nil:
			return f, nil
		case errors.Is(err, frame.ErrDataChecksum), errors.Is(err, frame.ErrLengthChecksum):
			if nacks >= cardwall.TransportACKRetries {
				if cmd == cmdInListTags {
					// Some firmware never answers a poll cleanly with no card in the field.
					return frame.Frame{Kind: frame.KindData, Data: []byte{cmdInListTags + 1, 0x00}}, nil
				}
				return frame.Frame{}, cardwall.NewChecksumMismatchError("receive frame", t.portName)
			}
			nacks++
			if err := t.write("send nack", frame.NackFrame); err != nil {
				return frame.Frame{}, err
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			trace.RecordTimeout("response")
			t.abort()
			return frame.Frame{}, err
		default:
			return frame.Frame{}, err
		}
	}
}

// readFrame decodes the next frame from the port. Checksum errors are
// returned with the broken frame already consumed.
func (t *Transport) readFrame(ctx context.Context, trace *cardwall.TraceBuffer) (frame.Frame, error) {
	buf := make([]byte, 272)
	for {
		if len(t.rx) > 0 {
			f, n, err := frame.Decode(t.rx, frame.PN532ToHost)
			if !errors.Is(err, frame.ErrIncomplete) {
				trace.RecordRX(t.rx[:n], f.Kind.String())
				t.rx = t.rx[n:]
				if errors.Is(err, frame.ErrUnexpectedTFI) || errors.Is(err, frame.ErrEmpty) || errors.Is(err, frame.ErrTooLarge) {
					continue
				}
				return f, err
			}
			t.rx = t.rx[n:]
		}
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return frame.Frame{}, pn532.WrapIOError("read frame", t.portName, false, err)
		}
		t.rx = append(t.rx, buf[:n]...)
	}
}

func (t *Transport) write(op string, data []byte) error {
	n, err := t.port.Write(data)
	if err != nil {
		return pn532.WrapIOError(op, t.portName, true, err)
	}
	if n != len(data) {
		return cardwall.NewTransportWriteError(op, t.portName)
	}
	if isWindows() {
		// Windows drivers need time to flush before the chip answers.
		time.Sleep(15 * time.Millisecond)
	}
	return t.drainWithRetry(op)
}

// abort sends an ACK, which makes the chip drop the running command.
func (t *Transport) abort() {
	if _, err := t.port.Write(frame.AckFrame); err != nil {
		cardwall.Debugf("uart %s: abort: %v", t.portName, err)
	}
	t.rx = t.rx[:0]
}

func isInterruptedSystemCall(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "interrupted system call") || strings.Contains(msg, "eintr")
}

// drainWithRetry drains the port, retrying reads interrupted by signals.
func (t *Transport) drainWithRetry(op string) error {
	delay := 2 * time.Millisecond

	var err error
	for range cardwall.TransportDrainRetries {
		if err = t.port.Drain(); err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return pn532.WrapIOError(op+" drain", t.portName, true, err)
}

// Close implements pn532.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Type implements pn532.Transport.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportUART
}

// Port implements pn532.Transport.
func (t *Transport) Port() string {
	return t.portName
}

// Probe reports whether a PN532 answers GetFirmwareVersion on the port.
func (t *Transport) Probe(ctx context.Context) bool {
	res, err := t.SendCommand(ctx, 0x02, nil)
	return err == nil && len(res) >= 2 && bytes.Equal(res[:2], []byte{0x03, 0x32})
}
