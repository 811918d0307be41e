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

package pn532

import (
	"bytes"
	"context"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

// OpenChannel re-activates tag and holds the chip until the channel is
// closed. Polling waits meanwhile.
func (d *Device) OpenChannel(ctx context.Context, tag cardwall.Tag) (cardwall.Channel, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	t, found, err := d.listTarget(ctx)
	if err != nil {
		d.release()
		return nil, err
	}
	if !found || !bytes.Equal(t.uid, tag.UID) {
		d.release()
		return nil, cardwall.NewTagLostError("open channel", d.Port())
	}
	if !t.isoDEP() {
		d.release()
		return nil, cardwall.NewTransportError("open channel", d.Port(), cardwall.ErrTagUnsupported, cardwall.ErrorTypeTransient)
	}
	return &channel{dev: d, target: t.number}, nil
}

type channel struct {
	dev    *Device
	mu     syncutil.Mutex
	target byte
	closed bool
}

// Exchange sends an APDU with InDataExchange, chaining both directions when
// it does not fit one frame.
func (c *channel) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	start := time.Now()
	res, err := c.exchange(ctx, apdu)
	metrics.RecordExchange(string(c.dev.transport.Type()), time.Since(start), err)
	return res, err
}

func (c *channel) exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	const op = "in data exchange"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, cardwall.NewTransportError(op, c.dev.Port(), cardwall.ErrTransportClosed, cardwall.ErrorTypeTransient)
	}

	chunk := c.dev.config.ChunkSize
	for len(apdu) > chunk {
		args := append([]byte{c.target | targetMoreData}, apdu[:chunk]...)
		if _, _, err := c.send(ctx, op, args); err != nil {
			return nil, err
		}
		apdu = apdu[chunk:]
	}

	args := append([]byte{c.target}, apdu...)
	var out []byte
	for {
		data, more, err := c.send(ctx, op, args)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		if !more {
			return out, nil
		}
		args = []byte{c.target}
	}
}

func (c *channel) send(ctx context.Context, op string, args []byte) (data []byte, more bool, err error) {
	res, err := c.dev.command(ctx, op, cmdInDataExchange, args)
	if err != nil {
		return nil, false, err
	}
	if len(res) == 0 {
		return nil, false, cardwall.NewInvalidResponseError(op, c.dev.Port())
	}
	if err := statusError(op, c.dev.Port(), res[0]); err != nil {
		return nil, false, err
	}
	return res[1:], res[0]&statusMoreData != 0, nil
}

// Close deselects the card and gives the chip back to polling.
func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.dev.release()

	ctx, cancel := context.WithTimeout(context.Background(), c.dev.config.CommandTimeout)
	defer cancel()
	res, err := c.dev.command(ctx, "in release", cmdInRelease, []byte{c.target})
	if err != nil {
		return err
	}
	if len(res) > 0 {
		return statusError("in release", c.dev.Port(), res[0])
	}
	return nil
}
