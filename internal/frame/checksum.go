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

// DataChecksum is the DCS byte of a frame: TFI, payload and DCS sum to zero.
func DataChecksum(tfi byte, payload []byte) byte {
	return -(tfi + sum(payload))
}

// LengthChecksum is the LCS byte for the given length bytes.
func LengthChecksum(length ...byte) byte {
	return -sum(length)
}

// validData reports whether body (TFI plus payload) matches dcs.
func validData(body []byte, dcs byte) bool {
	return sum(body)+dcs == 0
}

func sum(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}
