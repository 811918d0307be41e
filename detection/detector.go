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

// Package detection finds PN532 readers attached over UART or I2C so the
// tag source can be opened without configuring a device path.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/samber/lo"
)

// Mode is how invasive detection may be.
type Mode int

const (
	// Passive only looks at port descriptors.
	Passive Mode = iota
	// Safe sends GetFirmwareVersion to candidate ports.
	Safe
	// Full runs the complete reader initialization.
	Full
)

// ParseMode accepts "passive", "safe" and "full".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "passive":
		return Passive, nil
	case "", "safe":
		return Safe, nil
	case "full":
		return Full, nil
	default:
		return Safe, fmt.Errorf("unknown detection mode %q", s)
	}
}

// Confidence is how sure detection is that a port carries a PN532.
type Confidence int

const (
	// Low means nothing speaks against a PN532.
	Low Confidence = iota
	// Medium means the descriptors match a known reader board.
	Medium
	// High means the chip answered.
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo is one detected reader.
type DeviceInfo struct {
	// Metadata holds descriptor details such as "vidpid" and "serial".
	Metadata   map[string]string
	Transport  pn532.TransportType
	Path       string
	Name       string
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// Options configures detection.
type Options struct {
	// Blocklist holds USB VID:PID pairs never to probe.
	Blocklist []string
	// IgnorePaths holds device paths to skip.
	IgnorePaths []string
	// Transports limits detection; empty means all registered.
	Transports []pn532.TransportType
	CacheTTL   time.Duration
	Timeout    time.Duration
	Mode       Mode
	// EnableCache reuses results younger than CacheTTL.
	EnableCache bool
}

// DefaultOptions probes safely and caches results for 30s.
func DefaultOptions() Options {
	return Options{
		Mode:        Safe,
		Timeout:     5 * time.Second,
		Blocklist:   DefaultBlocklist(),
		EnableCache: true,
		CacheTTL:    30 * time.Second,
	}
}

// Detector finds readers on one transport.
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() pn532.TransportType
}

var (
	// ErrNoDevicesFound means no reader was detected.
	ErrNoDevicesFound = errors.New("no PN532 devices found")
	// ErrDetectionTimeout means detection ran out of time.
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrUnsupportedPlatform means the transport cannot be scanned here.
	ErrUnsupportedPlatform = errors.New("platform not supported")
	// ErrNoDetectors means no detector handles the requested transports.
	ErrNoDetectors = errors.New("no detectors available for specified transports")
)

// Registry runs a set of detectors and caches their results.
type Registry struct {
	cache     *resultCache
	detectors []Detector
	mu        syncutil.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{cache: newResultCache()}
}

// DefaultRegistry is filled by the transport detector packages on import.
var DefaultRegistry = NewRegistry()

// RegisterDetector adds d to DefaultRegistry.
func RegisterDetector(d Detector) {
	DefaultRegistry.Register(d)
}

// DetectAll runs DefaultRegistry.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	return DefaultRegistry.Detect(ctx, opts)
}

// Register adds d.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = append(r.detectors, d)
}

// ClearCache drops cached results, for one transport or all when tt is "".
func (r *Registry) ClearCache(tt pn532.TransportType) {
	if tt == "" {
		r.cache.clear()
		return
	}
	r.cache.drop(tt)
}

func (r *Registry) selected(transports []pn532.TransportType) []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(transports) == 0 {
		return append([]Detector(nil), r.detectors...)
	}
	return lo.Filter(r.detectors, func(d Detector, _ int) bool {
		return lo.Contains(transports, d.Transport())
	})
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

// Detect runs the selected detectors in parallel. Devices found by some
// detectors are returned even when others fail; detectors still running
// when opts.Timeout expires are abandoned.
func (r *Registry) Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		def := DefaultOptions()
		opts = &def
	}
	detectors := r.selected(opts.Transports)
	if len(detectors) == 0 {
		return nil, ErrNoDetectors
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan detectionResult, len(detectors))
	for _, d := range detectors {
		go func() {
			results <- r.run(ctx, d, opts)
		}()
	}

	var (
		devices []DeviceInfo
		errs    []error
	)
	for range detectors {
		select {
		case res := <-results:
			if res.err != nil {
				errs = append(errs, res.err)
				continue
			}
			devices = append(devices, res.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	switch {
	case len(devices) > 0:
		return devices, nil
	case len(errs) > 0:
		return nil, errs[0]
	default:
		return nil, ErrNoDevicesFound
	}
}

func (r *Registry) run(ctx context.Context, d Detector, opts *Options) detectionResult {
	tt := d.Transport()
	if opts.EnableCache {
		// Options may have changed since the result was cached.
		if cached, ok := r.cache.get(tt, opts.CacheTTL); ok {
			return detectionResult{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		return detectionResult{err: fmt.Errorf("%s detection: %w", tt, err)}
	}
	if opts.EnableCache {
		if len(devices) > 0 {
			r.cache.put(tt, devices)
		} else {
			// A reader that was unplugged must not linger until the TTL.
			r.cache.drop(tt)
		}
	}
	return detectionResult{devices: devices}
}

// filterDevices applies IgnorePaths and Blocklist.
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}
	return lo.Reject(devices, func(d DeviceInfo, _ int) bool {
		if IsPathIgnored(d.Path, opts.IgnorePaths) {
			return true
		}
		vidpid, ok := d.Metadata["vidpid"]
		return ok && IsBlocked(vidpid, opts.Blocklist)
	})
}
