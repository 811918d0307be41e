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

package detection

import (
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// DefaultBlocklist lists USB VID:PID pairs that misbehave when probed.
// Entries are hexadecimal and case-insensitive.
func DefaultBlocklist() []string {
	return []string{
		"2341:0043", // Arduino Uno: resets on open and swallows the wake-up
	}
}

// IsBlocked reports whether vidpid is on the blocklist.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	if vidpid == "" {
		return false
	}
	return lo.ContainsBy(blocklist, func(b string) bool {
		return strings.ToUpper(strings.TrimSpace(b)) == vidpid
	})
}

// ParseVIDPID extracts "VVVV:PPPP" from descriptors like "VID:1234 PID:5678",
// "vendor=1234 product=5678" or "1234:5678". It returns "" when nothing
// matches.
func ParseVIDPID(descriptor string) string {
	descriptor = strings.ToUpper(descriptor)
	vid := hexAfter(descriptor, "VID:", "VENDOR=", "VID=")
	pid := hexAfter(descriptor, "PID:", "PRODUCT=", "PID=")
	if vid != "" && pid != "" {
		return vid + ":" + pid
	}

	if left, right, ok := strings.Cut(descriptor, ":"); ok && isHex(left) && isHex(right) {
		return descriptor
	}
	return ""
}

// hexAfter returns the hex digits following the first key found.
func hexAfter(s string, keys ...string) string {
	for _, key := range keys {
		if _, rest, ok := strings.Cut(s, key); ok {
			end := strings.IndexFunc(rest, func(r rune) bool { return !isHexRune(r) })
			if end < 0 {
				end = len(rest)
			}
			return rest[:end]
		}
	}
	return ""
}

func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')
}

func isHex(s string) bool {
	return s != "" && strings.IndexFunc(s, func(r rune) bool { return !isHexRune(r) }) < 0
}

// IsPathIgnored reports whether devicePath matches an ignored path after
// cleaning. The comparison is case-insensitive for COM ports.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" {
		return false
	}
	normalized := normalizedPath(devicePath)
	return lo.ContainsBy(ignorePaths, func(p string) bool {
		return p != "" && (p == devicePath || normalizedPath(p) == normalized)
	})
}

func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
