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

// Package card speaks ISO 7816-4 to a health card over a cardwall.Channel:
// APDU framing, status words, the CAN-keyed trusted channel and the PIN,
// PUK, certificate and signature commands used by the protocols.
package card

import (
	"encoding/binary"
	"errors"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
)

// LeAbsent marks a command without an expected response length.
const LeAbsent = -1

// Maximum lengths for short and extended APDUs.
const (
	MaxShortData     = 255
	MaxShortLe       = 256
	MaxExtendedData  = 65535
	MaxExtendedLe    = 65536
	responseTrailers = 2
)

var (
	ErrAPDUTooShort = errors.New("apdu too short")
	ErrAPDULength   = errors.New("apdu length fields inconsistent")
)

// Command is a command APDU.
type Command struct {
	Data []byte
	Le   int // LeAbsent, or 1..65536
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
}

// NewCommand builds a command without Le.
func NewCommand(cla, ins, p1, p2 byte, data []byte) Command {
	return Command{CLA: cla, INS: ins, P1: p1, P2: p2, Data: data, Le: LeAbsent}
}

// WithLe returns a copy of c expecting le response bytes.
func (c Command) WithLe(le int) Command {
	c.Le = le
	return c
}

func (c Command) extended() bool {
	return len(c.Data) > MaxShortData || c.Le > MaxShortLe
}

// Bytes encodes c, switching to extended length when the data or Le need it.
func (c Command) Bytes() ([]byte, error) {
	if len(c.Data) > MaxExtendedData || c.Le > MaxExtendedLe || (c.Le != LeAbsent && c.Le < 1) {
		return nil, fmt.Errorf("%w: data %d bytes, Le %d", cardwall.ErrDataTooLarge, len(c.Data), c.Le)
	}

	out := []byte{c.CLA, c.INS, c.P1, c.P2}
	if !c.extended() {
		if len(c.Data) > 0 {
			out = append(out, byte(len(c.Data)))
			out = append(out, c.Data...)
		}
		if c.Le != LeAbsent {
			out = append(out, byte(c.Le)) // 256 wraps to 0x00
		}
		return out, nil
	}

	out = append(out, 0x00)
	if len(c.Data) > 0 {
		out = binary.BigEndian.AppendUint16(out, uint16(len(c.Data))) //nolint:gosec // bounded above
		out = append(out, c.Data...)
	}
	if c.Le != LeAbsent {
		out = binary.BigEndian.AppendUint16(out, uint16(c.Le)) //nolint:gosec // 65536 wraps to 0x0000
	}
	return out, nil
}

// ParseCommand decodes a command APDU in any of the four ISO cases.
//
//nolint:gocognit,revive // the ISO 7816 length cases are inherently branchy
func ParseCommand(raw []byte) (Command, error) {
	if len(raw) < 4 {
		return Command{}, ErrAPDUTooShort
	}
	c := Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3], Le: LeAbsent}
	body := raw[4:]

	switch {
	case len(body) == 0:
		return c, nil
	case len(body) == 1:
		c.Le = shortLe(body[0])
		return c, nil
	case body[0] != 0x00:
		lc := int(body[0])
		switch len(body) {
		case 1 + lc:
			c.Data = append([]byte(nil), body[1:]...)
		case 2 + lc:
			c.Data = append([]byte(nil), body[1:1+lc]...)
			c.Le = shortLe(body[1+lc])
		default:
			return Command{}, ErrAPDULength
		}
		return c, nil
	case len(body) == 3:
		c.Le = extendedLe(binary.BigEndian.Uint16(body[1:]))
		return c, nil
	default:
		if len(body) < 3 {
			return Command{}, ErrAPDULength
		}
		lc := int(binary.BigEndian.Uint16(body[1:3]))
		switch len(body) {
		case 3 + lc:
			c.Data = append([]byte(nil), body[3:]...)
		case 5 + lc:
			c.Data = append([]byte(nil), body[3:3+lc]...)
			c.Le = extendedLe(binary.BigEndian.Uint16(body[3+lc:]))
		default:
			return Command{}, ErrAPDULength
		}
		return c, nil
	}
}

func shortLe(b byte) int {
	if b == 0 {
		return MaxShortLe
	}
	return int(b)
}

func extendedLe(v uint16) int {
	if v == 0 {
		return MaxExtendedLe
	}
	return int(v)
}

func (c Command) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X [%d bytes] Le=%d", c.CLA, c.INS, c.P1, c.P2, len(c.Data), c.Le)
}

// Response is a response APDU.
type Response struct {
	Data []byte
	SW   StatusWord
}

// ParseResponse splits raw into data and status word.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < responseTrailers {
		return Response{}, ErrAPDUTooShort
	}
	n := len(raw) - responseTrailers
	return Response{
		Data: append([]byte(nil), raw[:n]...),
		SW:   StatusWord(binary.BigEndian.Uint16(raw[n:])),
	}, nil
}

// Bytes encodes r as data followed by SW1 SW2.
func (r Response) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+responseTrailers)
	out = append(out, r.Data...)
	return binary.BigEndian.AppendUint16(out, uint16(r.SW))
}

// OK reports whether the card answered 9000.
func (r Response) OK() bool {
	return r.SW == SWSuccess
}
