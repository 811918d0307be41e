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
	"context"
	"fmt"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
)

// ReopenFunc opens a fresh transport to the same chip, for example after a
// USB reader was unplugged and plugged back in.
type ReopenFunc func(ctx context.Context) (Transport, error)

// RecoveryConfig tunes Recover.
type RecoveryConfig struct {
	// Reopen replaces the transport when the init sequence fails on the
	// current one. Nil limits recovery to re-initialization.
	Reopen      ReopenFunc
	Backoff     time.Duration
	MaxAttempts int
}

// DefaultRecoveryConfig returns three attempts half a second apart, without
// reopening.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{Backoff: 500 * time.Millisecond, MaxAttempts: 3}
}

// Recover brings the chip back after a hardware-disabled error. Each attempt
// first re-runs the init sequence on the current transport (a soft reset that
// works while the port is still valid) and then, if Reopen is set, closes the
// transport and initializes a new one. A card already in the field is
// reported again afterwards.
func (d *Device) Recover(ctx context.Context, config RecoveryConfig) error {
	def := DefaultRecoveryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = def.Backoff
	}

	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	var lastErr error
	for attempt := range config.MaxAttempts {
		if attempt > 0 {
			if err := cardwall.SleepContext(ctx, config.Backoff); err != nil {
				return err
			}
		}

		if lastErr = d.init(ctx); lastErr == nil {
			d.forgetCard()
			return nil
		}
		cardwall.Warnf("pn532: soft reset on %s failed: %v", d.Port(), lastErr)
		if config.Reopen == nil || ctx.Err() != nil {
			continue
		}

		if err := d.Transport().Close(); err != nil {
			cardwall.Debugf("pn532: close before reopen: %v", err)
		}
		tr, err := config.Reopen(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		d.mu.Lock()
		d.transport = tr
		d.mu.Unlock()

		if lastErr = d.init(ctx); lastErr == nil {
			d.forgetCard()
			return nil
		}
	}
	return fmt.Errorf("pn532 recover: %w", lastErr)
}

func (d *Device) forgetCard() {
	d.mu.Lock()
	d.last = nil
	d.mu.Unlock()
}
