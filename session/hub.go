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

// Package session orchestrates card detection and the protocols. Each
// controller is an actor: one goroutine owns its state and error count, and
// every input (commands, credentials, tags, protocol emissions) reaches it
// as a message.
package session

import (
	"context"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

// Hub is the reader shared by all controllers of one device: a single hot
// tag stream and an advisory lock on the card channel.
type Hub struct {
	stream *cardwall.TagStream
	opener cardwall.ChannelOpener
	gate   syncutil.Gate
}

// NewHub wraps reader. A nil config uses DefaultConfig.
func NewHub(reader cardwall.Reader, config *Config) *Hub {
	config = config.withDefaults()
	return &Hub{
		stream: cardwall.NewTagStream(reader, config.Stream),
		opener: reader,
	}
}

// Run polls the reader until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.stream.Run(ctx)
}

// Restart resumes detection after the reader was reported disabled.
func (h *Hub) Restart() {
	h.stream.Restart()
}

// Disabled reports whether detection waits for Restart.
func (h *Hub) Disabled() bool {
	return h.stream.Disabled()
}

// ChannelHolder names the run currently holding the card channel, if any.
func (h *Hub) ChannelHolder() string {
	return h.gate.Holder()
}
