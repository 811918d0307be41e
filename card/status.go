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

package card

import (
	"errors"
	"fmt"
)

// StatusWord is the SW1 SW2 trailer of a response APDU.
type StatusWord uint16

// Status words the health card uses for secret handling.
const (
	SWSuccess                    StatusWord = 0x9000
	SWAuthenticationFailure      StatusWord = 0x6300
	SWWarningCountBase           StatusWord = 0x63C0
	SWMemoryFailure              StatusWord = 0x6581
	SWWrongLength                StatusWord = 0x6700
	SWSecurityStatusNotSatisfied StatusWord = 0x6982
	SWPasswordBlocked            StatusWord = 0x6983
	SWPasswordNotUsable          StatusWord = 0x6985
	SWWrongData                  StatusWord = 0x6A80
	SWFileNotFound               StatusWord = 0x6A82
	SWPasswordNotFound           StatusWord = 0x6A88
	SWWrongParameters            StatusWord = 0x6B00
	SWInstructionNotSupported    StatusWord = 0x6D00
	SWClassNotSupported          StatusWord = 0x6E00
)

var statusNames = map[StatusWord]string{
	SWSuccess:                    "success",
	SWAuthenticationFailure:      "authentication failure",
	SWMemoryFailure:              "memory failure",
	SWWrongLength:                "wrong length",
	SWSecurityStatusNotSatisfied: "security status not satisfied",
	SWPasswordBlocked:            "password blocked",
	SWPasswordNotUsable:          "password not usable",
	SWWrongData:                  "wrong data",
	SWFileNotFound:               "file not found",
	SWPasswordNotFound:           "password not found",
	SWWrongParameters:            "wrong parameters",
	SWInstructionNotSupported:    "instruction not supported",
	SWClassNotSupported:          "class not supported",
}

// WarningCount returns x for a 63Cx status word.
func (sw StatusWord) WarningCount() (int, bool) {
	if sw&0xFFF0 != SWWarningCountBase {
		return 0, false
	}
	return int(sw & 0x000F), true
}

func (sw StatusWord) String() string {
	if n, ok := sw.WarningCount(); ok {
		return fmt.Sprintf("%04X (wrong secret, %d retries left)", uint16(sw), n)
	}
	if name, ok := statusNames[sw]; ok {
		return fmt.Sprintf("%04X (%s)", uint16(sw), name)
	}
	return fmt.Sprintf("%04X", uint16(sw))
}

// WarningCountStatus builds the 63Cx status for n remaining retries.
func WarningCountStatus(n int) StatusWord {
	return SWWarningCountBase | StatusWord(n&0x0F) //nolint:gosec // masked to a nibble
}

// ResponseError is a card answer other than 9000.
type ResponseError struct {
	Command string
	SW      StatusWord
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s rejected by card: %s", e.Command, e.SW)
}

// StatusOf returns the status word carried by err, if any.
func StatusOf(err error) (StatusWord, bool) {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.SW, true
	}
	return 0, false
}

func checkResponse(command string, resp Response) error {
	if resp.OK() {
		return nil
	}
	return &ResponseError{Command: command, SW: resp.SW}
}
