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

// Package frame encodes and decodes PN532 host controller frames
// (PN532 User Manual section 6.2).
package frame

// TFI values
const (
	HostToPN532 = 0xD4 // Commands from host to PN532
	PN532ToHost = 0xD5 // Responses from PN532 to host
	ErrorTFI    = 0x7F // Syntax error frame
)

// Frame markers
const (
	Preamble       = 0x00
	StartCode1     = 0x00
	StartCode2     = 0xFF
	Postamble      = 0x00
	ExtendedMarker = 0xFF
)

const (
	// MaxNormalData is the largest TFI+payload a normal frame carries.
	MaxNormalData = 255
	// MaxFrameDataLength is the largest TFI+payload the PN532 accepts.
	MaxFrameDataLength = 265
	// MinFrameLength is the size of ACK and NACK frames.
	MinFrameLength = 6
)

// ACK and NACK frames are used for flow control.
var (
	AckFrame  = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	NackFrame = []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}
)
