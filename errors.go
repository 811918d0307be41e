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
)

// Error categories for retry and state mapping
var (
	// Transport errors - surface as CommunicationInterrupted
	ErrTransportTimeout  = errors.New("transport timeout")
	ErrTransportWrite    = errors.New("transport write failed")
	ErrTransportRead     = errors.New("transport read failed")
	ErrTransportClosed   = errors.New("transport is closed")
	ErrTransportNotReady = errors.New("transport not ready")

	// Communication errors - potentially retryable
	ErrCommunicationFailed = errors.New("communication failed")
	ErrNoACK               = errors.New("no ACK received")
	ErrNACKReceived        = errors.New("NACK received")
	ErrFrameCorrupted      = errors.New("frame corrupted")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrInvalidResponse     = errors.New("invalid response format")

	// Tag errors
	ErrTagLost          = errors.New("tag lost")
	ErrTagNotFound      = errors.New("tag not found")
	ErrTagUnsupported   = errors.New("tag does not speak ISO-DEP")
	ErrHardwareDisabled = errors.New("contactless hardware disabled")
	ErrDeviceNotFound   = errors.New("device not found")

	// Capability errors
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrStrongBoxUnavailable  = errors.New("strongbox unavailable")

	// Input errors - never reach a protocol
	ErrInvalidCAN        = errors.New("CAN must be exactly 6 digits")
	ErrInvalidPIN        = errors.New("PIN must be 6 to 8 digits")
	ErrInvalidPUK        = errors.New("PUK must be exactly 8 digits")
	ErrInvalidSecret     = errors.New("secret must be 6 to 8 digits")
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrDataTooLarge      = errors.New("data too large")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port, bus or tag identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrCommunicationFailed),
		errors.Is(err, ErrNoACK),
		errors.Is(err, ErrNACKReceived),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrTagNotFound),
		errors.Is(err, ErrTagLost):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the reader is gone and the
// tag stream cannot make progress without outside help.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrHardwareDisabled) {
		return true
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// IsHardwareDisabled reports whether err means the user has to switch the
// contactless hardware back on.
func IsHardwareDisabled(err error) bool {
	return err != nil && (errors.Is(err, ErrHardwareDisabled) || IsFatal(err))
}

// IsCancellation reports whether err comes from the caller abandoning the run.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Error constructors for consistent error creation

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for transport operations
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewTagLostError creates an error for a card that left the field
func NewTagLostError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTagLost, ErrorTypeTransient)
}

// NewDataTooLargeError creates a data too large error (permanent)
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}

// NewTransportWriteError creates a write error (transient)
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite, ErrorTypeTransient)
}

// NewNoACKError creates a "no ACK received" error (timeout)
func NewNoACKError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrNoACK, ErrorTypeTimeout)
}

// NewInvalidResponseError creates an invalid response error (transient)
func NewInvalidResponseError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrInvalidResponse, ErrorTypeTransient)
}

// NewChecksumMismatchError creates a checksum mismatch error (transient)
func NewChecksumMismatchError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrChecksumMismatch, ErrorTypeTransient)
}

// NewHardwareDisabledError creates an error for a reader that vanished or was switched off
func NewHardwareDisabledError(op, port string, cause error) *TransportError {
	if cause == nil {
		cause = ErrHardwareDisabled
	} else {
		cause = fmt.Errorf("%w: %w", ErrHardwareDisabled, cause)
	}
	return NewTransportError(op, port, cause, ErrorTypePermanent)
}
