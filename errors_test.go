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

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "transport timeout", err: ErrTransportTimeout, want: true},
		{name: "transport read", err: ErrTransportRead, want: true},
		{name: "transport write", err: ErrTransportWrite, want: true},
		{name: "communication failed", err: ErrCommunicationFailed, want: true},
		{name: "no ACK", err: ErrNoACK, want: true},
		{name: "NACK", err: ErrNACKReceived, want: true},
		{name: "checksum mismatch", err: ErrChecksumMismatch, want: true},
		{name: "tag lost", err: ErrTagLost, want: true},
		{name: "wrapped tag lost", err: fmt.Errorf("exchange: %w", ErrTagLost), want: true},
		{name: "hardware disabled", err: ErrHardwareDisabled, want: false},
		{name: "invalid CAN", err: ErrInvalidCAN, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "transient transport error", err: NewTransportWriteError("write", "ttyUSB0"), want: true},
		{name: "timeout transport error", err: NewTimeoutError("exchange", "ttyUSB0"), want: true},
		{name: "permanent transport error", err: NewDataTooLargeError("exchange", "ttyUSB0"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "hardware disabled", err: ErrHardwareDisabled, want: true},
		{name: "transport closed", err: ErrTransportClosed, want: true},
		{name: "device not found", err: ErrDeviceNotFound, want: true},
		{name: "EOF", err: io.EOF, want: true},
		{name: "closed pipe", err: fmt.Errorf("read: %w", io.ErrClosedPipe), want: true},
		{name: "timeout", err: ErrTransportTimeout, want: false},
		{name: "tag lost", err: NewTagLostError("exchange", "04A1B2C3"), want: false},
		{name: "permanent transport error", err: NewDataTooLargeError("exchange", "ttyUSB0"), want: true},
		{name: "hardware disabled constructor", err: NewHardwareDisabledError("poll", "ttyUSB0", nil), want: true},
		{name: "cancellation", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestIsFatal_DeviceGoneErrno(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("read /dev/ttyUSB0: %w", syscall.Errno(5))
	if isDeviceGoneError(err) {
		assert.True(t, IsFatal(err))
		assert.True(t, IsHardwareDisabled(err))
	}
	assert.False(t, IsFatal(fmt.Errorf("read: %w", syscall.Errno(0))))
}

func TestIsHardwareDisabled(t *testing.T) {
	t.Parallel()

	assert.False(t, IsHardwareDisabled(nil))
	assert.True(t, IsHardwareDisabled(ErrHardwareDisabled))
	assert.True(t, IsHardwareDisabled(fmt.Errorf("poll: %w", ErrHardwareDisabled)))
	assert.True(t, IsHardwareDisabled(ErrTransportClosed))
	assert.False(t, IsHardwareDisabled(ErrTagNotFound))
}

func TestIsCancellation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(fmt.Errorf("run: %w", context.Canceled)))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(nil))
}

func TestNewTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		errType       ErrorType
		wantRetryable bool
	}{
		{name: "transient", errType: ErrorTypeTransient, wantRetryable: true},
		{name: "timeout", errType: ErrorTypeTimeout, wantRetryable: true},
		{name: "permanent", errType: ErrorTypePermanent, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewTransportError("exchange", "ttyUSB0", ErrCommunicationFailed, tt.errType)
			assert.Equal(t, "exchange", err.Op)
			assert.Equal(t, "ttyUSB0", err.Port)
			assert.Equal(t, tt.errType, err.Type)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
			assert.ErrorIs(t, err, ErrCommunicationFailed)
		})
	}
}

func TestTransportError_Error(t *testing.T) {
	t.Parallel()

	withPort := NewTimeoutError("exchange", "ttyUSB0")
	assert.Equal(t, "exchange ttyUSB0: transport timeout", withPort.Error())

	withoutPort := NewTimeoutError("exchange", "")
	assert.Equal(t, "exchange: transport timeout", withoutPort.Error())
}

func TestErrorConstructors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err      *TransportError
		sentinel error
		name     string
		errType  ErrorType
	}{
		{name: "timeout", err: NewTimeoutError("op", "p"), sentinel: ErrTransportTimeout, errType: ErrorTypeTimeout},
		{name: "tag lost", err: NewTagLostError("op", "p"), sentinel: ErrTagLost, errType: ErrorTypeTransient},
		{name: "data too large", err: NewDataTooLargeError("op", "p"), sentinel: ErrDataTooLarge, errType: ErrorTypePermanent},
		{name: "write", err: NewTransportWriteError("op", "p"), sentinel: ErrTransportWrite, errType: ErrorTypeTransient},
		{name: "no ACK", err: NewNoACKError("op", "p"), sentinel: ErrNoACK, errType: ErrorTypeTimeout},
		{name: "invalid response", err: NewInvalidResponseError("op", "p"), sentinel: ErrInvalidResponse, errType: ErrorTypeTransient},
		{name: "checksum", err: NewChecksumMismatchError("op", "p"), sentinel: ErrChecksumMismatch, errType: ErrorTypeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.errType, tt.err.Type)
		})
	}
}

func TestNewHardwareDisabledError_KeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("port vanished")
	err := NewHardwareDisabledError("read", "ttyUSB0", cause)

	require.ErrorIs(t, err, ErrHardwareDisabled)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorTypePermanent, err.Type)
	assert.False(t, err.Retryable)
}
