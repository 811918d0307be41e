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

// Package i2c detects PN532 readers on Linux I2C buses. Importing it
// registers the detector with detection.DefaultRegistry.
package i2c

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/detection"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/ZaparooProject/go-cardwall/transport/i2c"
	"github.com/samber/lo"
)

// DefaultPN532Address is the 7-bit address of the PN532 (0x48 >> 1).
const DefaultPN532Address = 0x24

const probeTimeout = time.Second

// Seams for tests.
var (
	goos          = runtime.GOOS
	busGlob       = "/dev/i2c-*"
	probeDeviceFn = probeDevice
)

type detector struct{}

// New creates an I2C detector.
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() pn532.TransportType {
	return pn532.TransportI2C
}

// Detect lists the I2C bus device nodes. Nothing on a bus identifies a
// PN532 without talking to it, so Passive mode reports every bus with low
// confidence.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if goos != "linux" {
		return nil, detection.ErrUnsupportedPlatform
	}
	buses, err := filepath.Glob(busGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to list I2C buses: %w", err)
	}
	sort.Strings(buses)
	buses = lo.Reject(buses, func(path string, _ int) bool {
		return detection.IsPathIgnored(path, opts.IgnorePaths)
	})

	var devices []detection.DeviceInfo
	for _, path := range buses {
		if ctx.Err() != nil {
			break
		}
		device := detection.DeviceInfo{
			Transport:  pn532.TransportI2C,
			Path:       path,
			Name:       filepath.Base(path),
			Confidence: detection.Low,
			Metadata:   map[string]string{"address": fmt.Sprintf("0x%02X", DefaultPN532Address)},
		}
		if opts.Mode != detection.Passive {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			ok := probeDeviceFn(probeCtx, path)
			cancel()
			if !ok {
				continue
			}
			device.Confidence = detection.High
		}
		devices = append(devices, device)
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func probeDevice(ctx context.Context, path string) bool {
	tr, err := i2c.New(path)
	if err != nil {
		cardwall.Debugf("detection: open %s: %v", path, err)
		return false
	}
	defer func() { _ = tr.Close() }()
	res, err := tr.SendCommand(ctx, 0x02, nil)
	return err == nil && len(res) >= 2 && res[1] == 0x32
}
