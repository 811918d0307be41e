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
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useLogBuffer points the session log at a buffer and turns console output
// off for the duration of the test.
func useLogBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()

	sessionLogMu.Lock()
	origWriter := sessionLogWriter
	var buf bytes.Buffer
	sessionLogWriter = &buf
	sessionLogMu.Unlock()

	origEnabled := debugEnabled.Load()
	debugEnabled.Store(false)

	t.Cleanup(func() {
		sessionLogMu.Lock()
		sessionLogWriter = origWriter
		sessionLogMu.Unlock()
		debugEnabled.Store(origEnabled)
	})
	return &buf
}

func TestDebugf_WritesToSessionLog(t *testing.T) {
	buf := useLogBuffer(t)

	Debugf("test message %d", 42)

	assert.Contains(t, buf.String(), "DEBUG: test message 42\n")
}

func TestDebugf_IncludesTimestamp(t *testing.T) {
	buf := useLogBuffer(t)

	Debugf("test message")

	matched, err := regexp.MatchString(`\d{2}:\d{2}:\d{2}\.\d{3} DEBUG:`, buf.String())
	require.NoError(t, err)
	assert.True(t, matched, "Should include timestamp in format HH:MM:SS.mmm, got: %s", buf.String())
}

func TestDebugf_NilSessionWriter(t *testing.T) {
	_ = useLogBuffer(t)
	sessionLogMu.Lock()
	sessionLogWriter = nil
	sessionLogMu.Unlock()

	assert.NotPanics(t, func() { Debugf("test message %d", 42) })
	assert.NotPanics(t, func() { Debugln("test", "message") })
}

func TestDebugln_WritesToSessionLog(t *testing.T) {
	buf := useLogBuffer(t)

	Debugln("value1", 42, "value2", true)

	assert.Contains(t, buf.String(), "DEBUG: value1")
	assert.Contains(t, buf.String(), "42")
}

func TestDebugf_MultipleMessages(t *testing.T) {
	buf := useLogBuffer(t)

	Debugf("message 1")
	Debugf("message 2")
	Debugf("message 3")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "message 1")
	assert.Contains(t, lines[2], "message 3")
}

func TestSetDebugEnabled(t *testing.T) {
	_ = useLogBuffer(t)

	SetDebugEnabled(true)
	assert.True(t, DebugEnabled())

	SetDebugEnabled(false)
	assert.False(t, DebugEnabled())
}

func TestDebugf_ConsoleOnlyWhenEnabled(t *testing.T) {
	_ = useLogBuffer(t)

	out := captureStdout(t, func() { Debugf("quiet") })
	assert.Empty(t, out)

	SetDebugEnabled(true)
	out = captureStdout(t, func() { Debugf("loud %s", "line") })
	assert.Equal(t, "DEBUG: loud line\n", out)
}

func TestWarnf_AlwaysReachesStderr(t *testing.T) {
	buf := useLogBuffer(t)

	var out string
	errOut := captureStderr(t, func() {
		out = captureStdout(t, func() { Warnf("reader %s lost", "ttyUSB0") })
	})
	assert.Empty(t, out)
	assert.Equal(t, "WARN: reader ttyUSB0 lost\n", errOut)
	assert.Contains(t, buf.String(), "WARN: reader ttyUSB0 lost\n")
}

func TestEnvFlag(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"0", false},
		{"false", false},
		{"1", true},
		{"true", true},
		{"yes", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("CARDWALL_TEST_FLAG", tt.value)
			assert.Equal(t, tt.want, envFlag("CARDWALL_TEST_FLAG"))
		})
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	return capture(t, &os.Stdout, fn)
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	return capture(t, &os.Stderr, fn)
}

func capture(t *testing.T, target **os.File, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	orig := *target
	*target = w
	fn()
	*target = orig
	require.NoError(t, w.Close())

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}
