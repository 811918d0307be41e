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

package cardwall

import "time"

// Connection retry constants control reader connection behavior.
const (
	// DefaultConnectionRetries is the number of attempts to connect to a reader.
	DefaultConnectionRetries = 3
	// ConnectionInitialBackoff is the initial delay between connection attempts.
	ConnectionInitialBackoff = 100 * time.Millisecond
	// ConnectionMaxBackoff is the maximum delay between connection attempts.
	ConnectionMaxBackoff = 500 * time.Millisecond
	// ConnectionBackoffMultiplier is the exponential backoff multiplier.
	ConnectionBackoffMultiplier = 2.0
	// ConnectionJitter is the random jitter factor (0.0-1.0).
	ConnectionJitter = 0.1
	// ConnectionRetryTimeout is the overall timeout for all connection attempts.
	ConnectionRetryTimeout = 10 * time.Second
)

// Tag stream retry constants. Transient errors never reach subscribers;
// the stream backs off and asks the source again.
const (
	// StreamInitialBackoff is the first delay after a transient tag source error.
	StreamInitialBackoff = 50 * time.Millisecond
	// StreamMaxBackoff caps the delay between tag source attempts.
	StreamMaxBackoff = 1 * time.Second
	// StreamBackoffMultiplier is the exponential backoff multiplier.
	StreamBackoffMultiplier = 2.0
	// StreamJitter is the random jitter factor (0.0-1.0).
	StreamJitter = 0.2
	// StreamPollRate caps how often the tag source is asked for a tag.
	StreamPollRate = 20
)

// Session timing constants.
const (
	// DefaultChannelTimeout bounds opening a channel to a presented card.
	DefaultChannelTimeout = 3 * time.Second
	// DefaultExchangeTimeout bounds one command/response round trip.
	DefaultExchangeTimeout = 5 * time.Second
	// DefaultCancelTimeout bounds the cleanup of a cancelled run.
	DefaultCancelTimeout = 2 * time.Second
	// DefaultTroubleshootingThreshold is the interruption count above which
	// troubleshooting guidance is suggested.
	DefaultTroubleshootingThreshold = 2
)

// PN532 hardware retry constants (MxRty parameters) control the reader
// chip's internal retry behavior for RF operations.
const (
	// DefaultPassiveActivationRetries controls InListPassiveTarget internal retries.
	// Each retry is approximately 100ms per PN532 datasheet.
	DefaultPassiveActivationRetries byte = 0x0A
	// DefaultATRRetries controls MxRtyATR.
	DefaultATRRetries byte = 0xFF
	// DefaultPSLRetries controls MxRtyPSL.
	DefaultPSLRetries byte = 0x01
)

// Transport retry constants control low-level transport communication.
const (
	// TransportACKRetries is the number of attempts to receive ACK from the reader.
	TransportACKRetries = 3
	// TransportDrainRetries is the number of attempts to drain stale data from buffer.
	TransportDrainRetries = 3
	// TransportACKTimeout is the maximum time to wait for an ACK response.
	TransportACKTimeout = 500 * time.Millisecond
)
