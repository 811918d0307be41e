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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/keystore"
	"github.com/ZaparooProject/go-cardwall/pn532"
)

// runCLI executes the command tree with args against a simulated reader.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--simulate", "--poll-interval", "5ms", "--timeout", "20s"}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestParseMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    cardwall.UnlockMethod
		wantErr bool
	}{
		{name: "change", input: "change", want: cardwall.ChangeReferenceData},
		{name: "reset", input: "reset", want: cardwall.ResetRetryCounter},
		{name: "reset with new secret", input: "reset-new", want: cardwall.ResetRetryCounterWithNewSecret},
		{name: "full name", input: "ResetRetryCounter", want: cardwall.ResetRetryCounter},
		{name: "full name any case", input: "changereferencedata", want: cardwall.ChangeReferenceData},
		{name: "short name any case", input: "RESET-NEW", want: cardwall.ResetRetryCounterWithNewSecret},
		{name: "unknown", input: "unblock", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseMethod(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, cardwall.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransportFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    string
		path    string
		want    pn532.TransportType
		wantErr bool
	}{
		{name: "serial port", path: "/dev/ttyUSB0", want: pn532.TransportUART},
		{name: "windows port", path: "COM3", want: pn532.TransportUART},
		{name: "i2c bus", path: "/dev/i2c-1", want: pn532.TransportI2C},
		{name: "explicit wins", kind: "uart", path: "/dev/i2c-1", want: pn532.TransportUART},
		{name: "explicit i2c", kind: "I2C", path: "1", want: pn532.TransportI2C},
		{name: "spidev node", path: "/dev/spidev0.0", want: pn532.TransportSPI},
		{name: "periph spi name", path: "SPI0.1", want: pn532.TransportSPI},
		{name: "explicit spi", kind: "spi", path: "/dev/ttyAMA0", want: pn532.TransportSPI},
		{name: "unknown kind", kind: "usb", path: "/dev/ttyUSB0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := transportFor(tt.kind, tt.path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "cardwall.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(
		"device: /dev/ttyUSB1\ntransport: uart\npoll-interval: 50ms\nstore: "+filepath.Join(dir, "keys.db")+"\n",
	), 0o600))
	t.Setenv("CARDWALL_DEBUG", "true")
	t.Setenv("CARDWALL_DETECT_MODE", "full")

	root := newRootCmd()
	unlock, _, err := root.Find([]string{"unlock"})
	require.NoError(t, err)
	require.NoError(t, unlock.ParseFlags([]string{"--config", cfg, "--transport", "i2c"}))

	s, err := loadSettings(unlock)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", s.Device)
	assert.Equal(t, "i2c", s.Transport, "flags override the config file")
	assert.Equal(t, 50*time.Millisecond, s.PollInterval)
	assert.Equal(t, filepath.Join(dir, "keys.db"), s.Store)
	assert.True(t, s.Debug)
	assert.Equal(t, "full", s.DetectMode)
	assert.Equal(t, 2*time.Minute, s.Timeout, "defaults come from the flags")
	assert.False(t, s.Simulate)
}

func TestLoadSettings_MissingConfigFile(t *testing.T) {
	root := newRootCmd()
	unlock, _, err := root.Find([]string{"unlock"})
	require.NoError(t, err)
	require.NoError(t, unlock.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}))

	_, err = loadSettings(unlock)
	require.Error(t, err)
}

func TestUnlockCredentials(t *testing.T) {
	root := newRootCmd()
	unlock, _, err := root.Find([]string{"unlock"})
	require.NoError(t, err)
	require.NoError(t, unlock.ParseFlags([]string{"--can", "123123", "--puk", "12345678", "--old", "111111"}))
	_, err = loadSettings(unlock)
	require.NoError(t, err)

	creds := unlockCredentials(cardwall.ResetRetryCounter)
	assert.Equal(t, []credential{
		{field: cardwall.FieldCAN, value: "123123"},
		{field: cardwall.FieldPUK, value: "12345678"},
	}, creds)

	creds = unlockCredentials(cardwall.ChangeReferenceData)
	assert.Equal(t, []credential{
		{field: cardwall.FieldCAN, value: "123123"},
		{field: cardwall.FieldOldSecret, value: "111111"},
		{field: cardwall.FieldNewSecret, value: ""},
	}, creds)
}

func TestStdinPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    keystore.PromptResult
		wantErr bool
	}{
		{name: "yes", input: "y\n", want: keystore.PromptSuccess},
		{name: "yes spelled out", input: "  YES \n", want: keystore.PromptSuccess},
		{name: "no", input: "n\n", want: keystore.PromptCancelled},
		{name: "empty line", input: "\n", want: keystore.PromptCancelled},
		{name: "last line without newline", input: "y", want: keystore.PromptSuccess},
		{name: "closed input", input: "", want: keystore.PromptFailed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			prompt := stdinPrompt(strings.NewReader(tt.input), &out)

			got, err := prompt(context.Background(), keystore.DefaultConfig().Prompt)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Pair this device")
		})
	}
}

func TestStdinPrompt_Cancelled(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Close()
		_ = r.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := stdinPrompt(r, &bytes.Buffer{})(ctx, keystore.PromptConfig{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, keystore.PromptCancelled, got)
}

func TestUnlock_Simulated(t *testing.T) {
	out, err := runCLI(t, "", "unlock", "--can", "123123", "--old", "123456", "--new", "654321")
	require.NoError(t, err, out)

	assert.Contains(t, out, "state: TrustedChannelEstablished")
	assert.Contains(t, out, "state: Finished")
	assert.Contains(t, out, "ChangeReferenceData finished.")
}

func TestUnlock_SimulatedWrongCAN(t *testing.T) {
	out, err := runCLI(t, "", "unlock", "--can", "999999", "--old", "123456", "--new", "654321")

	var runErr *runError
	require.ErrorAs(t, err, &runErr, out)
	assert.Equal(t, cardwall.CardAccessNumberWrong, runErr.State)
	assert.Contains(t, out, "state: CardAccessNumberWrong")
}

func TestUnlock_MissingCredential(t *testing.T) {
	_, err := runCLI(t, "", "unlock", "--method", "reset", "--can", "123123")
	require.ErrorIs(t, err, cardwall.ErrMissingCredential)
}

func TestUnlock_InvalidCredential(t *testing.T) {
	_, err := runCLI(t, "", "unlock", "--can", "12")
	require.ErrorIs(t, err, cardwall.ErrInvalidCAN)
}

func TestLogin_Simulated(t *testing.T) {
	store := filepath.Join(t.TempDir(), "keys.db")
	out, err := runCLI(t, "", "--store", store, "login", "--can", "123123", "--pin", "123456", "--challenge", "0xc0ffee")
	require.NoError(t, err, out)

	assert.Contains(t, out, "state: Finished")
	assert.Contains(t, out, "token exchange: health-card")
	assert.Contains(t, out, "signature: ")
}

func TestLogin_BadChallenge(t *testing.T) {
	_, err := runCLI(t, "", "login", "--challenge", "xyz")
	require.ErrorIs(t, err, cardwall.ErrInvalidParameter)
}

func TestPairThenSecureElementLogin_Simulated(t *testing.T) {
	store := filepath.Join(t.TempDir(), "keys.db")

	out, err := runCLI(t, "y\ny\n", "--store", store, "pair", "--can", "123123", "--pin", "123456")
	require.NoError(t, err, out)
	assert.Contains(t, out, "token exchange: pairing")
	assert.Contains(t, out, "pairing payload v")

	m := regexp.MustCompile(`alias: ([0-9a-f]+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	out, err = runCLI(t, "y\n", "--store", store, "se-login", "--alias", m[1])
	require.NoError(t, err, out)
	assert.Contains(t, out, "token exchange: secure-element")
	assert.NotContains(t, out, "Hold the health card")
}

func TestPair_Declined(t *testing.T) {
	store := filepath.Join(t.TempDir(), "keys.db")
	out, err := runCLI(t, "n\n", "--store", store, "pair", "--can", "123123", "--pin", "123456")

	var runErr *runError
	require.ErrorAs(t, err, &runErr, out)
	assert.Equal(t, cardwall.SecureElementFailure, runErr.State)
}

func TestSecureElementLogin_RequiresAlias(t *testing.T) {
	_, err := runCLI(t, "", "se-login")
	require.ErrorIs(t, err, cardwall.ErrMissingCredential)
}

func TestSecureElementLogin_UnknownAlias(t *testing.T) {
	store := filepath.Join(t.TempDir(), "keys.db")
	out, err := runCLI(t, "y\n", "--store", store, "se-login", "--alias", "00112233")

	var runErr *runError
	require.ErrorAs(t, err, &runErr, out)
	assert.Equal(t, cardwall.SecureElementFailure, runErr.State)
}

func TestRunError(t *testing.T) {
	t.Parallel()

	err := &runError{State: cardwall.PinRetriesLeft(2)}
	assert.Equal(t, "run ended in PinRetriesLeft(2)", err.Error())

	err = &runError{State: cardwall.CommunicationInterrupted, Troubleshooting: true}
	assert.Contains(t, err.Error(), "lies flat")
}
