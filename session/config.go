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
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
)

// DefaultRetryDelay is the pause after CommunicationInterrupted before the
// next card detection may restart the run.
const DefaultRetryDelay = time.Second

// Config holds session controller options
type Config struct {
	// Stream configures the shared tag stream built by NewHub
	Stream *cardwall.StreamConfig

	// ChannelTimeout bounds opening a card channel
	ChannelTimeout time.Duration

	// ExchangeTimeout bounds each APDU round trip
	ExchangeTimeout time.Duration

	// CancelTimeout bounds how long Cancel waits for the run to unwind
	CancelTimeout time.Duration

	// RetryDelay holds back re-detection after an interruption. Zero
	// restarts on the very next detection.
	RetryDelay time.Duration

	// TroubleshootingThreshold is the error count that must be exceeded
	// before troubleshooting is suggested
	TroubleshootingThreshold int
}

// DefaultConfig returns the default session configuration
func DefaultConfig() *Config {
	return &Config{
		Stream:                   cardwall.DefaultStreamConfig(),
		ChannelTimeout:           cardwall.DefaultChannelTimeout,
		ExchangeTimeout:          cardwall.DefaultExchangeTimeout,
		CancelTimeout:            cardwall.DefaultCancelTimeout,
		RetryDelay:               DefaultRetryDelay,
		TroubleshootingThreshold: cardwall.DefaultTroubleshootingThreshold,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Stream == nil {
		out.Stream = def.Stream
	}
	if out.ChannelTimeout <= 0 {
		out.ChannelTimeout = def.ChannelTimeout
	}
	if out.ExchangeTimeout <= 0 {
		out.ExchangeTimeout = def.ExchangeTimeout
	}
	if out.CancelTimeout <= 0 {
		out.CancelTimeout = def.CancelTimeout
	}
	if out.RetryDelay < 0 {
		out.RetryDelay = 0
	}
	if out.TroubleshootingThreshold <= 0 {
		out.TroubleshootingThreshold = def.TroubleshootingThreshold
	}
	return &out
}
