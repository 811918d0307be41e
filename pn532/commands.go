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
	"errors"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
)

// Command codes (PN532 User Manual, Table 12).
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// RFConfiguration items.
const (
	rfItemField      = 0x01
	rfItemMaxRetries = 0x05
)

// InListPassiveTarget parameters.
const (
	brTy106TypeA = 0x00
	selResISODEP = 0x20
)

// InDataExchange status bits.
const (
	statusErrorMask = 0x3F
	statusMoreData  = 0x40
	targetMoreData  = 0x40
)

// Error codes carried in the status byte (Table 13).
const (
	statusTimeout          = 0x01
	statusCRC              = 0x02
	statusInvalidParameter = 0x10
	statusTargetReleased   = 0x29
	statusCardMismatch     = 0x2A
	statusCardDisappeared  = 0x2B
)

// StatusError is a non-zero InDataExchange or InRelease status.
type StatusError struct {
	Op   string
	Code byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: PN532 status 0x%02X", e.Op, e.Code)
}

// Unwrap maps the status code onto the error sentinels the protocols act on.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case statusTimeout:
		return cardwall.ErrTransportTimeout
	case statusTargetReleased, statusCardMismatch, statusCardDisappeared:
		return cardwall.ErrTagLost
	case statusInvalidParameter:
		return cardwall.ErrInvalidParameter
	default:
		return cardwall.ErrCommunicationFailed
	}
}

// statusError turns a status byte into a transport error, or nil for success.
func statusError(op, port string, status byte) error {
	code := status & statusErrorMask
	if code == 0 {
		return nil
	}
	se := &StatusError{Op: op, Code: code}
	errType := cardwall.ErrorTypeTransient
	if errors.Is(se, cardwall.ErrTransportTimeout) {
		errType = cardwall.ErrorTypeTimeout
	}
	return cardwall.NewTransportError(op, port, se, errType)
}

// expectResponse checks the response code and strips it.
func expectResponse(op, port string, cmd byte, res []byte) ([]byte, error) {
	if len(res) == 0 || res[0] != cmd+1 {
		cardwall.Debugf("pn532 %s: unexpected response [%s]", op, cardwall.FormatHex(res))
		return nil, cardwall.NewInvalidResponseError(op, port)
	}
	return res[1:], nil
}
