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

package testing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/frame"
	"github.com/ZaparooProject/go-cardwall/pn532"
)

const simulatorPort = "simulator"

// SimulatorTransport is a pn532.Transport that exchanges frames with a
// VirtualPN532 directly, without serial timing.
type SimulatorTransport struct {
	sim    *VirtualPN532
	closed atomic.Bool
}

var _ pn532.Transport = (*SimulatorTransport)(nil)

// NewSimulatorTransport creates a transport backed by sim.
func NewSimulatorTransport(sim *VirtualPN532) *SimulatorTransport {
	return &SimulatorTransport{sim: sim}
}

// SendCommand implements pn532.Transport.
func (t *SimulatorTransport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, cardwall.NewTransportError("send command", simulatorPort, cardwall.ErrTransportClosed, cardwall.ErrorTypePermanent)
	}

	raw, err := frame.Command(cmd, args)
	if err != nil {
		return nil, cardwall.NewDataTooLargeError("send command", simulatorPort)
	}
	if _, err := t.sim.Write(raw); err != nil {
		return nil, pn532.WrapIOError("send command", simulatorPort, true, err)
	}

	buf := make([]byte, 1024)
	n, err := t.sim.Read(buf)
	if err != nil {
		return nil, pn532.WrapIOError("send command", simulatorPort, false, err)
	}
	pending := buf[:n]

	ack, used, err := frame.Decode(pending, frame.PN532ToHost)
	if err != nil || ack.Kind != frame.KindAck {
		return nil, cardwall.NewNoACKError("send command", simulatorPort)
	}
	pending = pending[used:]

	for attempt := 0; ; attempt++ {
		res, _, err := frame.Decode(pending, frame.PN532ToHost)
		switch {
		case errors.Is(err, frame.ErrDataChecksum) && attempt < cardwall.TransportACKRetries:
			if _, err := t.sim.Write(frame.NackFrame); err != nil {
				return nil, pn532.WrapIOError("send command", simulatorPort, true, err)
			}
			n, _ := t.sim.Read(buf)
			pending = buf[:n]
			continue
		case err != nil:
			return nil, cardwall.NewTransportError("send command", simulatorPort,
				fmt.Errorf("%w: %w", cardwall.ErrFrameCorrupted, err), cardwall.ErrorTypeTransient)
		case res.Kind == frame.KindError:
			return nil, cardwall.NewTransportError("send command", simulatorPort, cardwall.ErrInvalidCommand, cardwall.ErrorTypeTransient)
		}
		return res.Data, nil
	}
}

// Close implements pn532.Transport.
func (t *SimulatorTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// Type implements pn532.Transport.
func (*SimulatorTransport) Type() pn532.TransportType {
	return pn532.TransportMock
}

// Port implements pn532.Transport.
func (*SimulatorTransport) Port() string {
	return simulatorPort
}

// Simulator returns the chip behind the transport.
func (t *SimulatorTransport) Simulator() *VirtualPN532 {
	return t.sim
}
