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
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

const virtualPort = "virtual"

type readerEvent struct {
	err  error
	card *VirtualHealthCard
}

// VirtualReader is a scripted contactless reader. Tests present and remove
// cards, inject transient errors and switch the reader off.
type VirtualReader struct {
	events        chan readerEvent
	current       *VirtualHealthCard
	exchangeDelay time.Duration
	removeAfter   int
	exchanges     int
	opened        int
	mu            syncutil.Mutex
	present       bool
}

// NewVirtualReader creates a reader with an empty field.
func NewVirtualReader() *VirtualReader {
	return &VirtualReader{events: make(chan readerEvent, 64), removeAfter: -1}
}

// Present puts c in the field and reports it to the next NextTag call.
func (r *VirtualReader) Present(c *VirtualHealthCard) {
	r.mu.Lock()
	r.current = c
	r.present = true
	r.exchanges = 0
	r.mu.Unlock()
	r.events <- readerEvent{card: c}
}

// Remove takes the card out of the field. Pending and future exchanges on
// its channel fail with a tag-lost error.
func (r *VirtualReader) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = false
}

// RemoveAfter removes the card once n more exchanges have been answered.
// A negative n disables the trigger.
func (r *VirtualReader) RemoveAfter(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeAfter = n
	r.exchanges = 0
}

// SetExchangeDelay makes every exchange take at least d.
func (r *VirtualReader) SetExchangeDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchangeDelay = d
}

// Fail makes the next NextTag call return err.
func (r *VirtualReader) Fail(err error) {
	r.events <- readerEvent{err: err}
}

// Disable reports the reader as switched off to the next NextTag call.
func (r *VirtualReader) Disable() {
	r.Fail(cardwall.NewHardwareDisabledError("poll", virtualPort, nil))
}

// ChannelsOpened returns how many channels were opened.
func (r *VirtualReader) ChannelsOpened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

// NextTag implements cardwall.TagSource.
func (r *VirtualReader) NextTag(ctx context.Context) (cardwall.Tag, error) {
	select {
	case <-ctx.Done():
		return cardwall.Tag{}, ctx.Err()
	case ev := <-r.events:
		if ev.err != nil {
			return cardwall.Tag{}, ev.err
		}
		tag := cardwall.NewTag(ev.card.UID)
		tag.Reader = virtualPort
		tag.Target = 1
		return tag, nil
	}
}

// OpenChannel implements cardwall.ChannelOpener.
func (r *VirtualReader) OpenChannel(_ context.Context, tag cardwall.Tag) (cardwall.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.present || r.current == nil || cardwall.NewTag(r.current.UID).ID != tag.ID {
		return nil, cardwall.NewTagLostError("open channel", virtualPort)
	}
	r.current.Reset()
	r.opened++
	return &virtualChannel{reader: r, card: r.current}, nil
}

type virtualChannel struct {
	reader *VirtualReader
	card   *VirtualHealthCard
	closed bool
}

func (ch *virtualChannel) Exchange(ctx context.Context, command []byte) ([]byte, error) {
	r := ch.reader
	r.mu.Lock()
	delay := r.exchangeDelay
	r.mu.Unlock()

	if delay > 0 {
		if err := cardwall.SleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch.closed {
		return nil, cardwall.ErrTransportClosed
	}
	if !r.present || r.current != ch.card {
		return nil, cardwall.NewTagLostError("exchange", virtualPort)
	}
	if r.removeAfter >= 0 && r.exchanges >= r.removeAfter {
		r.present = false
		r.removeAfter = -1
		return nil, cardwall.NewTagLostError("exchange", virtualPort)
	}
	r.exchanges++
	return ch.card.Process(command), nil
}

func (ch *virtualChannel) Close() error {
	ch.reader.mu.Lock()
	defer ch.reader.mu.Unlock()
	ch.closed = true
	return nil
}
