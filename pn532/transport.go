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

// Package pn532 drives an NXP PN532 as a contactless health card reader.
// A Device detects ISO 14443-4 cards and opens APDU channels to them over a
// UART or I2C transport.
package pn532

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cardwall "github.com/ZaparooProject/go-cardwall"
)

// Transport carries PN532 commands to the chip.
type Transport interface {
	// SendCommand sends cmd with args and returns the response payload,
	// starting with the response code cmd+1.
	SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error)

	// Close closes the transport connection.
	Close() error

	// Type returns the transport type.
	Type() TransportType

	// Port names the serial port or bus the chip is on.
	Port() string
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents UART/serial transport.
	TransportUART TransportType = "uart"
	// TransportI2C represents I2C bus transport.
	TransportI2C TransportType = "i2c"
	// TransportSPI represents SPI bus transport.
	TransportSPI TransportType = "spi"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// ParseTransportType accepts the names used in configuration files.
func ParseTransportType(s string) (TransportType, error) {
	switch tt := TransportType(strings.ToLower(s)); tt {
	case TransportUART, TransportI2C, TransportSPI, TransportMock:
		return tt, nil
	case "":
		return TransportUART, nil
	default:
		return "", fmt.Errorf("%w: transport %q", cardwall.ErrInvalidParameter, s)
	}
}

// WrapIOError classifies a read or write failure of the underlying port.
// Errors that mean the device is gone become hardware disabled errors so the
// tag stream stops polling.
func WrapIOError(op, port string, write bool, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if cardwall.IsFatal(err) {
		return cardwall.NewHardwareDisabledError(op, port, err)
	}
	sentinel := cardwall.ErrTransportRead
	if write {
		sentinel = cardwall.ErrTransportWrite
	}
	return cardwall.NewTransportError(op, port, fmt.Errorf("%w: %w", sentinel, err), cardwall.ErrorTypeTransient)
}
