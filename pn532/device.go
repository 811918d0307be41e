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
	"errors"
	"fmt"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

// DefaultChunkSize keeps every InDataExchange inside a normal frame.
const DefaultChunkSize = 252

// Config tunes a Device.
type Config struct {
	// InitRetry shapes the retries of the first GetFirmwareVersion.
	InitRetry *cardwall.RetryConfig
	// PollInterval is the pause between polls that found no new card.
	PollInterval time.Duration
	// CommandTimeout bounds each command sent to the chip.
	CommandTimeout time.Duration
	// ChunkSize is the largest APDU slice sent per InDataExchange.
	ChunkSize int
	// PassiveActivationRetries is MxRtyPassiveActivation. 0xFF waits forever
	// and can lock clones up.
	PassiveActivationRetries byte
}

// DefaultConfig returns the configuration used when New gets nil.
func DefaultConfig() *Config {
	return &Config{
		InitRetry:                cardwall.DefaultRetryConfig(),
		PollInterval:             100 * time.Millisecond,
		CommandTimeout:           2 * time.Second,
		ChunkSize:                DefaultChunkSize,
		PassiveActivationRetries: cardwall.DefaultPassiveActivationRetries,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.InitRetry == nil {
		out.InitRetry = def.InitRetry
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = def.CommandTimeout
	}
	if out.ChunkSize <= 0 || out.ChunkSize > DefaultChunkSize {
		out.ChunkSize = def.ChunkSize
	}
	if out.PollInterval < 0 {
		out.PollInterval = 0
	}
	if out.PassiveActivationRetries == 0 {
		out.PassiveActivationRetries = def.PassiveActivationRetries
	}
	return &out
}

// Device is a PN532 acting as cardwall.Reader. Polling and open channels
// share the chip, so at most one of them talks to it at a time.
type Device struct {
	transport Transport
	config    *Config
	sem       chan struct{}
	firmware  FirmwareVersion
	last      []byte
	mu        syncutil.Mutex
}

var _ cardwall.Reader = (*Device)(nil)

// New wraps transport. Call Init before use. A nil config uses DefaultConfig.
func New(transport Transport, config *Config) *Device {
	return &Device{
		transport: transport,
		config:    config.withDefaults(),
		sem:       make(chan struct{}, 1),
	}
}

// Init checks the chip answers, switches the SAM to normal mode and bounds
// passive activation.
func (d *Device) Init(ctx context.Context) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()
	return d.init(ctx)
}

// init runs the start-up sequence. The caller holds the chip.
func (d *Device) init(ctx context.Context) error {
	var fw FirmwareVersion
	err := cardwall.RetryWithConfig(ctx, d.config.InitRetry, func() error {
		res, err := d.command(ctx, "get firmware version", cmdGetFirmwareVersion, nil)
		if err != nil {
			return err
		}
		fw, err = parseFirmware(res)
		return err
	})
	if err != nil {
		return fmt.Errorf("pn532 init: %w", err)
	}
	cardwall.Debugf("pn532: %s on %s", fw, d.Port())

	// Normal mode, 1s virtual card timeout, IRQ pin in use.
	_, err = d.command(ctx, "sam configuration", cmdSAMConfiguration, []byte{0x01, 0x14, 0x01})
	switch {
	case errors.Is(err, cardwall.ErrInvalidResponse):
		cardwall.Debugf("pn532: clone answered SAMConfiguration oddly, continuing: %v", err)
	case err != nil:
		return fmt.Errorf("pn532 init: %w", err)
	}

	retries := []byte{
		rfItemMaxRetries,
		cardwall.DefaultATRRetries,
		cardwall.DefaultPSLRetries,
		d.config.PassiveActivationRetries,
	}
	if _, err := d.command(ctx, "rf configuration", cmdRFConfiguration, retries); err != nil {
		if cardwall.IsHardwareDisabled(err) {
			return fmt.Errorf("pn532 init: %w", err)
		}
		cardwall.Debugf("pn532: max retries not accepted: %v", err)
	}

	d.mu.Lock()
	d.firmware = fw
	d.mu.Unlock()
	return nil
}

// Firmware returns the version read by Init.
func (d *Device) Firmware() FirmwareVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// Transport returns the underlying transport. It changes when Recover
// reopens the chip.
func (d *Device) Transport() Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport
}

// Port names where the chip is attached.
func (d *Device) Port() string {
	return d.Transport().Port()
}

// Close switches the RF field off and closes the transport.
func (d *Device) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.CommandTimeout)
	defer cancel()
	if err := d.acquire(ctx); err == nil {
		if _, err := d.command(ctx, "rf field off", cmdRFConfiguration, []byte{rfItemField, 0x00}); err != nil {
			cardwall.Debugf("pn532: rf field off: %v", err)
		}
		d.release()
	}
	if err := d.Transport().Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

func (d *Device) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) release() {
	<-d.sem
}

// command sends cmd bounded by CommandTimeout and strips the response code.
func (d *Device) command(ctx context.Context, op string, cmd byte, args []byte) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	tr := d.Transport()
	res, err := tr.SendCommand(cmdCtx, cmd, args)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, cardwall.NewTimeoutError(op, tr.Port())
		}
		return nil, err
	}
	return expectResponse(op, tr.Port(), cmd, res)
}
