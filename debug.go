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
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
)

// Level is the severity of a log line.
type Level string

const (
	// LevelDebug lines reach the console only with debug output on.
	LevelDebug Level = "DEBUG"
	// LevelWarn lines always reach stderr. They mark events an operator
	// should see even without debugging, like a reader being recovered.
	LevelWarn Level = "WARN"
)

var debugEnabled atomic.Bool

func init() {
	debugEnabled.Store(envFlag("CARDWALL_DEBUG") || envFlag("DEBUG"))
}

// envFlag accepts any strconv boolean; other non-empty values count as on.
func envFlag(name string) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return false
	}
	on, err := strconv.ParseBool(raw)
	return err != nil || on
}

// Debugf logs a debug line. The session log always gets it; the console only
// when debug output is enabled. Never pass secrets: log field names, not
// values.
func Debugf(format string, args ...any) {
	logLine(LevelDebug, fmt.Sprintf(format, args...))
}

// Debugln is Debugf with Sprintln-style spacing.
func Debugln(args ...any) {
	msg := fmt.Sprintln(args...)
	logLine(LevelDebug, msg[:len(msg)-1])
}

// Warnf logs to the session log and stderr regardless of debug mode.
func Warnf(format string, args ...any) {
	logLine(LevelWarn, fmt.Sprintf(format, args...))
}

func logLine(level Level, msg string) {
	writeSessionLine(level, msg)

	var console io.Writer
	switch {
	case level == LevelWarn:
		console = os.Stderr
	case debugEnabled.Load():
		console = os.Stdout
	default:
		return
	}
	_, _ = fmt.Fprintf(console, "%s: %s\n", level, msg)
}

// SetDebugEnabled turns console debug output on or off.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether console debug output is on.
func DebugEnabled() bool {
	return debugEnabled.Load()
}
