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

package detection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZaparooProject/go-cardwall/pn532"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	err       error
	block     chan struct{}
	transport pn532.TransportType
	devices   []DeviceInfo
	calls     atomic.Int32
}

func (f *fakeDetector) Detect(ctx context.Context, _ *Options) ([]DeviceInfo, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.devices, f.err
}

func (f *fakeDetector) Transport() pn532.TransportType { return f.transport }

func uartDevice(path string) DeviceInfo {
	return DeviceInfo{
		Transport:  pn532.TransportUART,
		Path:       path,
		Confidence: High,
		Metadata:   map[string]string{"vidpid": "1A86:7523"},
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Mode{"": Safe, "safe": Safe, "passive": Passive, "full": Full} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("aggressive")
	require.Error(t, err)
}

func TestDeviceInfo_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		want   string
		device DeviceInfo
	}{
		{
			name:   "uart",
			device: DeviceInfo{Transport: pn532.TransportUART, Path: "/dev/ttyUSB0", Confidence: High},
			want:   "uart device at /dev/ttyUSB0 (confidence: high)",
		},
		{
			name:   "i2c",
			device: DeviceInfo{Transport: pn532.TransportI2C, Path: "/dev/i2c-1", Confidence: Low},
			want:   "i2c device at /dev/i2c-1 (confidence: low)",
		},
		{
			name:   "unknown confidence",
			device: DeviceInfo{Transport: pn532.TransportUART, Path: "COM3", Confidence: Confidence(9)},
			want:   "uart device at COM3 (confidence: unknown)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.device.String())
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	assert.Equal(t, Safe, opts.Mode)
	assert.True(t, opts.EnableCache)
	assert.Equal(t, 30*time.Second, opts.CacheTTL)
	assert.NotEmpty(t, opts.Blocklist)
}

func TestRegistry_MergesTransports(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(&fakeDetector{transport: pn532.TransportUART, devices: []DeviceInfo{uartDevice("/dev/ttyUSB0")}})
	r.Register(&fakeDetector{transport: pn532.TransportI2C, err: ErrUnsupportedPlatform})

	devices, err := r.Detect(context.Background(), &Options{})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Path)
}

func TestRegistry_FiltersTransports(t *testing.T) {
	t.Parallel()
	uart := &fakeDetector{transport: pn532.TransportUART, devices: []DeviceInfo{uartDevice("/dev/ttyUSB0")}}
	r := NewRegistry()
	r.Register(uart)

	_, err := r.Detect(context.Background(), &Options{Transports: []pn532.TransportType{pn532.TransportI2C}})
	require.ErrorIs(t, err, ErrNoDetectors)
	assert.Zero(t, uart.calls.Load())
}

func TestRegistry_Errors(t *testing.T) {
	t.Parallel()
	errBus := errors.New("bus on fire")

	r := NewRegistry()
	r.Register(&fakeDetector{transport: pn532.TransportI2C, err: errBus})
	_, err := r.Detect(context.Background(), &Options{})
	require.ErrorIs(t, err, errBus)

	r = NewRegistry()
	r.Register(&fakeDetector{transport: pn532.TransportUART, err: ErrNoDevicesFound})
	_, err = r.Detect(context.Background(), &Options{})
	require.ErrorIs(t, err, ErrNoDevicesFound)
}

func TestRegistry_Timeout(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(&fakeDetector{transport: pn532.TransportUART, block: make(chan struct{})})

	_, err := r.Detect(context.Background(), &Options{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
}

func TestRegistry_Cache(t *testing.T) {
	t.Parallel()
	det := &fakeDetector{transport: pn532.TransportUART, devices: []DeviceInfo{uartDevice("/dev/ttyUSB0")}}
	r := NewRegistry()
	r.Register(det)
	opts := &Options{EnableCache: true, CacheTTL: time.Minute}

	for range 3 {
		devices, err := r.Detect(context.Background(), opts)
		require.NoError(t, err)
		require.Len(t, devices, 1)
	}
	assert.Equal(t, int32(1), det.calls.Load())

	// Cached results still honor the options of the current call.
	_, err := r.Detect(context.Background(), &Options{
		EnableCache: true, CacheTTL: time.Minute, IgnorePaths: []string{"/dev/ttyUSB0"},
	})
	require.ErrorIs(t, err, ErrNoDevicesFound)

	r.ClearCache(pn532.TransportUART)
	_, err = r.Detect(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), det.calls.Load())
}

func TestRegistry_EmptyResultDropsCache(t *testing.T) {
	t.Parallel()
	det := &fakeDetector{transport: pn532.TransportUART, devices: []DeviceInfo{uartDevice("/dev/ttyUSB0")}}
	r := NewRegistry()
	r.Register(det)
	r.cache.now = func() time.Time { return time.Unix(1000, 0) }

	_, err := r.Detect(context.Background(), &Options{EnableCache: true, CacheTTL: time.Minute})
	require.NoError(t, err)

	// Expire the entry; the reader is gone on the next scan.
	r.cache.now = func() time.Time { return time.Unix(2000, 0) }
	det.devices = nil
	_, err = r.Detect(context.Background(), &Options{EnableCache: true, CacheTTL: time.Minute})
	require.ErrorIs(t, err, ErrNoDevicesFound)

	_, ok := r.cache.get(pn532.TransportUART, time.Hour)
	assert.False(t, ok)
}

func TestFilterDevices(t *testing.T) {
	t.Parallel()
	devices := []DeviceInfo{
		uartDevice("/dev/ttyUSB0"),
		{Transport: pn532.TransportUART, Path: "/dev/ttyUSB1", Metadata: map[string]string{"vidpid": "2341:0043"}},
		{Transport: pn532.TransportI2C, Path: "/dev/i2c-1"},
	}

	got := filterDevices(devices, &Options{IgnorePaths: []string{"/dev/ttyUSB0"}, Blocklist: DefaultBlocklist()})
	require.Len(t, got, 1)
	assert.Equal(t, "/dev/i2c-1", got[0].Path)

	assert.Len(t, filterDevices(devices, &Options{}), 3)
}
