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
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanupSessionLog(t *testing.T) {
	t.Helper()
	require.NoError(t, CloseSessionLog())
}

func TestInitSessionLog_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { cleanupSessionLog(t) })

	path, err := InitSessionLog(dir)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "Log file should exist")
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, regexp.MustCompile(`^cardwall_\d{8}_\d{6}\.log$`), filepath.Base(path))
}

func TestInitSessionLog_WritesHeader(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, CloseSessionLog())

	content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)

	for _, want := range []string{
		"=== Card Wall Debug Session Log ===",
		"Started:",
		"PID:",
		"OS:",
		"Go Version:",
		"Command Line:",
		"=== Session ended ===",
	} {
		assert.Contains(t, string(content), want)
	}
}

func TestSessionLog_ReceivesDebugLines(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })
	origEnabled := DebugEnabled()
	SetDebugEnabled(false)
	t.Cleanup(func() { SetDebugEnabled(origEnabled) })

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)
	Debugf("card %s entered the field", "04A1B2C3")
	require.NoError(t, CloseSessionLog())

	content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)
	assert.Contains(t, string(content), "DEBUG: card 04A1B2C3 entered the field")
}

func TestCloseSessionLog_NoFile(t *testing.T) {
	assert.NoError(t, CloseSessionLog())
	assert.NoError(t, CloseSessionLog())
}

func TestGetSessionLogPath(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	assert.Empty(t, GetSessionLogPath())

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, path, GetSessionLogPath())

	require.NoError(t, CloseSessionLog())
	assert.Empty(t, GetSessionLogPath())
}

func TestInitSessionLog_MissingDirectory(t *testing.T) {
	_, err := InitSessionLog(filepath.Join(t.TempDir(), "does", "not", "exist"))
	require.Error(t, err)
	assert.Empty(t, GetSessionLogPath())
}

func TestMaskSecretArgs(t *testing.T) {
	t.Parallel()

	args := []string{"cardwall", "unlock", "--can", "123123", "--pin=123456", "--device", "/dev/ttyUSB0", "--new"}
	assert.Equal(t, []string{
		"cardwall", "unlock", "--can", "***", "--pin=***", "--device", "/dev/ttyUSB0", "--new",
	}, maskSecretArgs(args))
}

func TestSessionLogHeader_MasksSecrets(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeSessionHeader(&buf, []string{"cardwall", "login", "--pin", "654321"})
	assert.Contains(t, buf.String(), "Command Line: cardwall login --pin ***\n")
	assert.NotContains(t, buf.String(), "654321")
}
