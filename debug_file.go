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
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/samber/lo"
)

const (
	sessionLogPrefix = "cardwall_"
	lineTimeFormat   = "15:04:05.000"
)

// secretFlags are command line flags whose values must not reach a log.
var secretFlags = []string{"--can", "--pin", "--puk", "--old", "--new"}

var (
	sessionLogMu     syncutil.Mutex
	sessionLogFile   *os.File
	sessionLogPath   string
	sessionLogWriter io.Writer
)

// InitSessionLog starts a session log in dir (the working directory when
// empty) and returns its path. Every Debugf and Warnf line is appended to it
// with a timestamp until CloseSessionLog. A log that is already open is closed
// first.
func InitSessionLog(dir string) (string, error) {
	name := filepath.Join(dir, sessionLogPrefix+time.Now().Format("20060102_150405")+".log")
	f, err := os.Create(name) //nolint:gosec // name is built here from dir and a timestamp
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	if err := CloseSessionLog(); err != nil {
		Debugf("previous session log: %v", err)
	}

	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	sessionLogFile = f
	sessionLogPath = name
	sessionLogWriter = f
	writeSessionHeader(f, os.Args)
	return name, nil
}

// CloseSessionLog ends the current session log. It is a no-op without one.
func CloseSessionLog() error {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	if sessionLogFile == nil {
		return nil
	}

	_, _ = fmt.Fprintf(sessionLogWriter, "\n%s === Session ended ===\n", time.Now().Format(lineTimeFormat))
	err := sessionLogFile.Close()
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the open session log, or "".
func GetSessionLogPath() string {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	return sessionLogPath
}

func writeSessionLine(level Level, msg string) {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	if sessionLogWriter == nil {
		return
	}
	_, _ = fmt.Fprintf(sessionLogWriter, "%s %s: %s\n", time.Now().Format(lineTimeFormat), level, msg)
}

func writeSessionHeader(w io.Writer, args []string) {
	_, _ = fmt.Fprint(w, "=== Card Wall Debug Session Log ===\n")
	_, _ = fmt.Fprintf(w, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(w, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	_, _ = fmt.Fprintf(w, "Command Line: %s\n", strings.Join(maskSecretArgs(args), " "))
	_, _ = fmt.Fprint(w, "====================================\n\n")
}

// maskSecretArgs replaces the values of secretFlags, in both "--pin 123456"
// and "--pin=123456" form.
func maskSecretArgs(args []string) []string {
	out := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		switch {
		case maskNext:
			out[i] = "***"
			maskNext = false
			continue
		case isSecretFlag(arg):
			maskNext = true
		default:
			if name, _, ok := strings.Cut(arg, "="); ok && isSecretFlag(name) {
				out[i] = name + "=***"
				continue
			}
		}
		out[i] = arg
	}
	return out
}

func isSecretFlag(arg string) bool {
	return lo.Contains(secretFlags, arg)
}
