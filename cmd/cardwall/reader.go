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

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/detection"
	_ "github.com/ZaparooProject/go-cardwall/detection/i2c"
	_ "github.com/ZaparooProject/go-cardwall/detection/spi"
	_ "github.com/ZaparooProject/go-cardwall/detection/uart"
	virt "github.com/ZaparooProject/go-cardwall/internal/testing"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/ZaparooProject/go-cardwall/transport/i2c"
	"github.com/ZaparooProject/go-cardwall/transport/spi"
	"github.com/ZaparooProject/go-cardwall/transport/uart"
)

// reader is an initialized PN532 plus, in simulate mode, the virtual chip
// behind it.
type reader struct {
	device *pn532.Device
	sim    *virt.VirtualPN532
	reopen pn532.ReopenFunc
}

func (r *reader) Close() error {
	return r.device.Close()
}

// recover re-initializes the chip after it was reported disabled, reopening
// the port when the soft reset is not enough.
func (r *reader) recover(ctx context.Context) error {
	config := pn532.DefaultRecoveryConfig()
	config.Reopen = r.reopen
	return r.device.Recover(ctx, config)
}

// present puts a virtual card on the simulated reader. It is a no-op on real
// hardware.
func (r *reader) present() {
	if r.sim != nil {
		r.sim.Insert(virt.NewVirtualHealthCard())
	}
}

// transportFor picks the transport for path. An explicit kind wins; otherwise
// paths that look like I2C buses or spidev nodes use those and everything
// else is a serial port.
func transportFor(kind, path string) (pn532.TransportType, error) {
	if kind != "" {
		return pn532.ParseTransportType(kind)
	}
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "i2c"):
		return pn532.TransportI2C, nil
	case strings.Contains(lower, "spidev"), strings.HasPrefix(lower, "spi"):
		return pn532.TransportSPI, nil
	default:
		return pn532.TransportUART, nil
	}
}

func newTransport(kind pn532.TransportType, path string) (pn532.Transport, error) {
	switch kind {
	case pn532.TransportUART:
		tr, err := uart.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport for %s: %w", path, err)
		}
		return tr, nil
	case pn532.TransportI2C:
		tr, err := i2c.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create I2C transport for %s: %w", path, err)
		}
		return tr, nil
	case pn532.TransportSPI:
		tr, err := spi.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SPI transport for %s: %w", path, err)
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("%w: transport %q", cardwall.ErrInvalidParameter, kind)
	}
}

// detectDevice returns the best reader auto-detection finds.
func detectDevice(ctx context.Context, s *settings) (detection.DeviceInfo, error) {
	mode, err := detection.ParseMode(s.DetectMode)
	if err != nil {
		return detection.DeviceInfo{}, err
	}
	opts := detection.DefaultOptions()
	opts.Mode = mode

	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		return detection.DeviceInfo{}, fmt.Errorf("auto-detect reader: %w", err)
	}
	best := devices[0]
	for _, d := range devices[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, nil
}

func openReader(ctx context.Context, s *settings) (*reader, error) {
	config := pn532.DefaultConfig()
	if s.PollInterval > 0 {
		config.PollInterval = s.PollInterval
	}

	var (
		tr     pn532.Transport
		sim    *virt.VirtualPN532
		reopen pn532.ReopenFunc
		err    error
	)
	switch {
	case s.Simulate:
		sim = virt.NewVirtualPN532()
		tr = virt.NewSimulatorTransport(sim)
	case s.Device != "":
		kind, kindErr := transportFor(s.Transport, s.Device)
		if kindErr != nil {
			return nil, kindErr
		}
		tr, err = newTransport(kind, s.Device)
		reopen = reopenFunc(kind, s.Device)
	default:
		var info detection.DeviceInfo
		info, err = detectDevice(ctx, s)
		if err != nil {
			return nil, err
		}
		cardwall.Debugf("detected %s reader %s at %s (%s confidence)", info.Transport, info.Name, info.Path, info.Confidence)
		tr, err = newTransport(info.Transport, info.Path)
		reopen = reopenFunc(info.Transport, info.Path)
	}
	if err != nil {
		return nil, err
	}

	device := pn532.New(tr, config)
	if err := device.Init(ctx); err != nil {
		_ = device.Close()
		if errors.Is(err, cardwall.ErrHardwareDisabled) {
			return nil, fmt.Errorf("reader at %s is not responding: %w", tr.Port(), err)
		}
		return nil, fmt.Errorf("failed to initialize reader: %w", err)
	}
	cardwall.Debugf("PN532 firmware %s on %s", device.Firmware(), device.Port())
	return &reader{device: device, sim: sim, reopen: reopen}, nil
}

func reopenFunc(kind pn532.TransportType, path string) pn532.ReopenFunc {
	return func(context.Context) (pn532.Transport, error) {
		return newTransport(kind, path)
	}
}
