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
	"testing"
)

// Malformed input from clone chips or damaged readers must never panic the
// decoder or make it consume more than it was given.
//
// Run with: go test -fuzz=FuzzDecode -fuzztime=30s ./internal/frame/

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD5, 0x03, 0x28, 0x00})
	f.Add([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00})
	f.Add([]byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00})
	f.Add([]byte{0x00, 0x00, 0xFF, 0x01, 0xFF, 0x7F, 0x81, 0x00})
	f.Add([]byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0xFF})
	f.Add([]byte{})
	f.Add([]byte{0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Add([]byte{0x00, 0x00, 0xFF, 0x02, 0x00, 0xD5, 0x03})

	f.Fuzz(func(t *testing.T, buf []byte) {
		fr, n, err := Decode(buf, PN532ToHost)
		if n < 0 || n > len(buf) {
			t.Fatalf("consumed %d of %d bytes", n, len(buf))
		}
		if err == nil && fr.Kind == KindData && len(fr.Data) > MaxFrameDataLength {
			t.Fatalf("data of %d bytes", len(fr.Data))
		}
	})
}

func FuzzEncodeDecode(f *testing.F) {
	f.Add([]byte{0x03, 0x32, 0x01, 0x06, 0x07})
	f.Add([]byte{})
	f.Add(bytes.Repeat([]byte{0xFF}, 300))

	f.Fuzz(func(t *testing.T, payload []byte) {
		raw, err := Encode(PN532ToHost, payload)
		if err != nil {
			if len(payload)+1 <= MaxFrameDataLength {
				t.Fatalf("encode %d bytes: %v", len(payload), err)
			}
			return
		}
		fr, n, err := Decode(raw, PN532ToHost)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(raw) || !bytes.Equal(fr.Data, payload) {
			t.Fatalf("round trip mismatch for %x", payload)
		}
	})
}
