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

// Package uart detects PN532 readers on serial ports. Importing it registers
// the detector with detection.DefaultRegistry.
package uart

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/detection"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/ZaparooProject/go-cardwall/transport/uart"
	"github.com/samber/lo"
	"go.bug.st/serial/enumerator"
)

const probeTimeout = 2 * time.Second

// USB serial bridges found on PN532 boards.
var knownBridges = []string{
	"067B:2303", // Prolific PL2303
	"0403:6001", // FTDI FT232
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // QinHeng CH340
}

var (
	pn532Keywords = []string{"pn532", "nfc", "rfid", "13.56"}
	goodNames     = []string{"usbserial", "slab_usbtouart", "usbmodem", "ttyusb", "ttyacm"}
)

// Seams for tests.
var (
	listPorts     = enumerator.GetDetailedPortsList
	probeDeviceFn = probeDevice
)

type detector struct{}

// New creates a UART detector.
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() pn532.TransportType {
	return pn532.TransportUART
}

// Detect lists serial ports, drops blocked and ignored ones and probes the
// rest as opts.Mode allows.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	ports := lo.Map(details, func(p *enumerator.PortDetails, _ int) serialPort {
		return fromDetails(p)
	})
	ports = lo.Filter(ports, func(p serialPort, _ int) bool {
		return d.candidate(&p, opts)
	})

	var devices []detection.DeviceInfo
	for i := range ports {
		if ctx.Err() != nil {
			break
		}
		if device, ok := d.processPort(ctx, &ports[i], opts); ok {
			devices = append(devices, device)
		}
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

type serialPort struct {
	Path         string
	Name         string
	VIDPID       string
	Product      string
	SerialNumber string
	IsUSB        bool
}

func fromDetails(p *enumerator.PortDetails) serialPort {
	port := serialPort{
		Path:         p.Name,
		Name:         filepath.Base(p.Name),
		Product:      p.Product,
		SerialNumber: p.SerialNumber,
		IsUSB:        p.IsUSB,
	}
	if p.IsUSB && p.VID != "" && p.PID != "" {
		port.VIDPID = strings.ToUpper(p.VID + ":" + p.PID)
	}
	return port
}

func (*detector) candidate(port *serialPort, opts *detection.Options) bool {
	if detection.IsBlocked(port.VIDPID, opts.Blocklist) || detection.IsPathIgnored(port.Path, opts.IgnorePaths) {
		return false
	}
	if isLikelyPN532(port) || port.IsUSB {
		return true
	}
	lower := strings.ToLower(port.Path)
	if lo.SomeBy(goodNames, func(n string) bool { return strings.Contains(lower, n) }) {
		return true
	}
	// Built-in UARTs on single board computers carry HATs.
	return runtime.GOOS == "linux" && (strings.HasPrefix(port.Name, "ttyAMA") || strings.HasPrefix(port.Name, "ttyS0"))
}

// processPort decides the confidence for one port. A failed probe in Safe or
// Full mode drops the port, even when its descriptors look right: plenty of
// CH340 boards are not readers.
func (*detector) processPort(ctx context.Context, port *serialPort, opts *detection.Options) (detection.DeviceInfo, bool) {
	likely := isLikelyPN532(port)
	if opts.Mode == detection.Passive && !likely {
		return detection.DeviceInfo{}, false
	}

	device := detection.DeviceInfo{
		Transport:  pn532.TransportUART,
		Path:       port.Path,
		Name:       port.Name,
		Confidence: lo.Ternary(likely, detection.Medium, detection.Low),
		Metadata:   make(map[string]string),
	}
	if port.VIDPID != "" {
		device.Metadata["vidpid"] = port.VIDPID
	}
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}

	if opts.Mode == detection.Passive {
		return device, true
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if !probeDeviceFn(probeCtx, port.Path, opts.Mode) {
		return detection.DeviceInfo{}, false
	}
	device.Confidence = detection.High
	return device, true
}

func isLikelyPN532(port *serialPort) bool {
	if lo.Contains(knownBridges, strings.ToUpper(port.VIDPID)) {
		return true
	}
	product := strings.ToLower(port.Product)
	return lo.SomeBy(pn532Keywords, func(k string) bool { return strings.Contains(product, k) })
}

// probeDevice makes a single attempt; retrying would hammer ports that are
// not readers.
func probeDevice(ctx context.Context, path string, mode detection.Mode) bool {
	tr, err := uart.New(path)
	if err != nil {
		cardwall.Debugf("detection: open %s: %v", path, err)
		return false
	}
	defer func() { _ = tr.Close() }()

	switch mode {
	case detection.Safe:
		return tr.Probe(ctx)
	case detection.Full:
		dev := pn532.New(tr, &pn532.Config{InitRetry: &cardwall.RetryConfig{MaxAttempts: 1}})
		return dev.Init(ctx) == nil
	default:
		return false
	}
}
