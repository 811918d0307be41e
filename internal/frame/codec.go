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

package frame

import (
	"bytes"
	"errors"
)

// Errors returned by Decode. ErrIncomplete means more bytes are needed.
var (
	ErrIncomplete     = errors.New("frame: incomplete")
	ErrLengthChecksum = errors.New("frame: length checksum mismatch")
	ErrDataChecksum   = errors.New("frame: data checksum mismatch")
	ErrUnexpectedTFI  = errors.New("frame: unexpected TFI")
	ErrEmpty          = errors.New("frame: no TFI")
	ErrTooLarge       = errors.New("frame: payload too large")
)

// Kind tells the frame types of section 6.2.1 apart.
type Kind int

const (
	KindData Kind = iota
	KindAck
	KindNack
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is one decoded frame. Data excludes the TFI.
type Frame struct {
	Data []byte
	Kind Kind
}

var startCode = []byte{StartCode1, StartCode2}

// Encode builds an information frame carrying tfi and payload. Payloads
// that do not fit a normal frame use the extended format.
func Encode(tfi byte, payload []byte) ([]byte, error) {
	n := len(payload) + 1
	if n > MaxFrameDataLength {
		return nil, ErrTooLarge
	}

	dcs := DataChecksum(tfi, payload)
	out := make([]byte, 0, n+10)
	out = append(out, Preamble, StartCode1, StartCode2)
	if n <= MaxNormalData {
		out = append(out, byte(n), LengthChecksum(byte(n)))
	} else {
		lenM, lenL := byte(n>>8), byte(n)
		out = append(out, ExtendedMarker, ExtendedMarker, lenM, lenL, LengthChecksum(lenM, lenL))
	}
	out = append(out, tfi)
	out = append(out, payload...)
	return append(out, dcs, Postamble), nil
}

// Command builds the host frame for a PN532 command.
func Command(cmd byte, args []byte) ([]byte, error) {
	payload := make([]byte, 0, len(args)+1)
	payload = append(payload, cmd)
	payload = append(payload, args...)
	return Encode(HostToPN532, payload)
}

// Response builds the PN532 frame answering cmd.
func Response(cmd byte, data []byte) ([]byte, error) {
	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, cmd+1)
	payload = append(payload, data...)
	return Encode(PN532ToHost, payload)
}

// ErrorFrame returns the fixed syntax error frame.
func ErrorFrame() []byte {
	return []byte{Preamble, StartCode1, StartCode2, 0x01, 0xFF, ErrorTFI, 0x81, Postamble}
}

// Decode parses the first frame in buf, expecting information frames to carry
// tfi. n is the number of bytes consumed, including any noise before the
// start code. On ErrIncomplete n is the noise that can be dropped. On a
// checksum error n skips past the broken frame so the caller can NACK and
// read on.
//
//nolint:gocognit,revive // one branch per frame type
func Decode(buf []byte, tfi byte) (f Frame, n int, err error) {
	start := bytes.Index(buf, startCode)
	if start < 0 {
		drop := len(buf)
		if drop > 0 && buf[drop-1] == StartCode1 {
			drop--
		}
		return Frame{}, drop, ErrIncomplete
	}
	p := buf[start+2:]
	if len(p) < 2 {
		return Frame{}, start, ErrIncomplete
	}

	switch {
	case p[0] == 0x00 && p[1] == 0xFF:
		return Frame{Kind: KindAck}, start + 4 + trailing(p[2:]), nil
	case p[0] == 0xFF && p[1] == 0x00:
		return Frame{Kind: KindNack}, start + 4 + trailing(p[2:]), nil
	}

	var length, header int
	if p[0] == ExtendedMarker && p[1] == ExtendedMarker {
		if len(p) < 5 {
			return Frame{}, start, ErrIncomplete
		}
		if p[2]+p[3]+p[4] != 0 {
			return Frame{}, start + 2, ErrLengthChecksum
		}
		length, header = int(p[2])<<8|int(p[3]), 5
		if length > MaxFrameDataLength {
			return Frame{}, start + 2, ErrTooLarge
		}
	} else {
		if p[0]+p[1] != 0 {
			return Frame{}, start + 2, ErrLengthChecksum
		}
		length, header = int(p[0]), 2
	}

	if len(p) < header+length+1 {
		return Frame{}, start, ErrIncomplete
	}
	body := p[header : header+length]
	end := start + 2 + header + length + 1
	end += trailing(p[header+length+1:])

	if length == 0 {
		return Frame{}, end, ErrEmpty
	}
	if !validData(body, p[header+length]) {
		return Frame{}, end, ErrDataChecksum
	}
	if body[0] == ErrorTFI {
		return Frame{Kind: KindError}, end, nil
	}
	if body[0] != tfi {
		return Frame{}, end, ErrUnexpectedTFI
	}

	data := make([]byte, length-1)
	copy(data, body[1:])
	return Frame{Kind: KindData, Data: data}, end, nil
}

func trailing(rest []byte) int {
	if len(rest) > 0 && rest[0] == Postamble {
		return 1
	}
	return 0
}
