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

// Package spi detects PN532 readers on Linux spidev nodes. Importing it
// registers the detector with detection.DefaultRegistry.
package spi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/detection"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/ZaparooProject/go-cardwall/transport/spi"
	"github.com/samber/lo"
)

// EnvDevice names one extra device node to try, for boards whose spidev
// node is not under /dev.
const EnvDevice = "CARDWALL_SPI_DEVICE"

const identifyTimeout = time.Second

// Seams for tests.
var (
	goos       = runtime.GOOS
	deviceGlob = "/dev/spidev*"
	identifyFn = identify
)

type detector struct{}

// New creates an SPI detector.
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() pn532.TransportType {
	return pn532.TransportSPI
}

// candidates returns the spidev nodes plus the EnvDevice override, sorted
// and without duplicates.
func candidates() ([]string, error) {
	paths, err := filepath.Glob(deviceGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to list SPI devices: %w", err)
	}
	if extra := os.Getenv(EnvDevice); extra != "" {
		paths = append(paths, extra)
	}
	paths = lo.Uniq(paths)
	sort.Strings(paths)
	return paths, nil
}

// Detect lists the spidev nodes. A chip select line carries no identity,
// so Passive mode reports every node with low confidence.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if goos != "linux" {
		return nil, detection.ErrUnsupportedPlatform
	}
	paths, err := candidates()
	if err != nil {
		return nil, err
	}
	paths = lo.Reject(paths, func(path string, _ int) bool {
		return detection.IsPathIgnored(path, opts.IgnorePaths)
	})

	var devices []detection.DeviceInfo
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		device := detection.DeviceInfo{
			Transport:  pn532.TransportSPI,
			Path:       path,
			Name:       filepath.Base(path),
			Confidence: detection.Low,
			Metadata:   map[string]string{"mode": "0"},
		}
		if opts.Mode != detection.Passive {
			idCtx, cancel := context.WithTimeout(ctx, identifyTimeout)
			ok := identifyFn(idCtx, path)
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

func identify(ctx context.Context, path string) bool {
	tr, err := spi.New(path)
	if err != nil {
		cardwall.Debugf("detection: open %s: %v", path, err)
		return false
	}
	defer func() { _ = tr.Close() }()
	res, err := tr.SendCommand(ctx, 0x02, nil)
	return err == nil && len(res) >= 2 && res[1] == 0x32
}
