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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceBuffer_BasicOperations(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "/dev/ttyUSB0", 8)
	tb.RecordTX([]byte{0x00, 0x00, 0xFF}, "GetFirmwareVersion")
	tb.RecordRX([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}, "ACK")
	tb.RecordTimeout("response")

	err := tb.WrapError(ErrTransportTimeout)
	te := GetTrace(err)
	require.NotNil(t, te)
	assert.Equal(t, "uart", te.Transport)
	assert.Equal(t, "/dev/ttyUSB0", te.Port)
	require.Len(t, te.Trace, 3)
	assert.Equal(t, TraceTX, te.Trace[0].Direction)
	assert.Equal(t, TraceRX, te.Trace[1].Direction)
	assert.Equal(t, "TIMEOUT: response", te.Trace[2].Note)
	assert.Nil(t, te.Trace[2].Data)
}

func TestTraceBuffer_CircularBuffer(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("i2c", "1", 3)
	for i := range 5 {
		tb.RecordTX([]byte{byte(i)}, "")
	}

	te := GetTrace(tb.WrapError(ErrNoACK))
	require.NotNil(t, te)
	require.Len(t, te.Trace, 3)
	assert.Equal(t, []byte{0x02}, te.Trace[0].Data)
	assert.Equal(t, []byte{0x04}, te.Trace[2].Data)
}

func TestTraceBuffer_CopiesData(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "COM3", 0)
	data := []byte{0xAA}
	tb.RecordRX(data, "")
	data[0] = 0xBB

	te := GetTrace(tb.WrapError(ErrTransportRead))
	require.NotNil(t, te)
	assert.Equal(t, []byte{0xAA}, te.Trace[0].Data)

	tb.RecordRX([]byte{0x01}, "")
	assert.Len(t, te.Trace, 1, "wrapped trace is a snapshot")
}

func TestTraceBuffer_WrapNilError(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "COM3", 4)
	tb.RecordTX([]byte{0x01}, "")
	assert.NoError(t, tb.WrapError(nil))
}

func TestTraceBuffer_Clear(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "COM3", 4)
	tb.RecordTX([]byte{0x01}, "")
	tb.Clear()

	te := GetTrace(tb.WrapError(ErrNoACK))
	require.NotNil(t, te)
	assert.Empty(t, te.Trace)
}

func TestTraceableError_Unwrap(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "COM3", 4)
	err := fmt.Errorf("init: %w", tb.WrapError(NewNoACKError("send", "COM3")))

	require.ErrorIs(t, err, ErrNoACK)
	assert.Equal(t, "init: send COM3: no ACK received", err.Error())
	assert.True(t, IsRetryable(err))
}

func TestTraceableError_FormatTrace(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "COM3", 4)
	tb.RecordTX([]byte{0xD4, 0x02}, "cmd")
	tb.RecordRX([]byte{0xD5, 0x03}, "")

	out := GetTrace(tb.WrapError(ErrNoACK)).FormatTrace()
	assert.Contains(t, out, "[uart:COM3] Wire trace (2 entries):")
	assert.Contains(t, out, "> D4 02 (cmd)")
	assert.Contains(t, out, "< D5 03")

	empty := &TraceableError{Err: ErrNoACK, Transport: "i2c", Port: "1"}
	assert.Equal(t, "[i2c:1] (no trace data)", empty.FormatTrace())
}

func TestGetTrace(t *testing.T) {
	t.Parallel()

	assert.Nil(t, GetTrace(nil))
	assert.Nil(t, GetTrace(errors.New("plain")))
}

func TestTraceEntry_String(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "COM3", 4)
	tb.RecordTX([]byte{0x01, 0x02}, "note")
	entry := GetTrace(tb.WrapError(ErrNoACK)).Trace[0]

	s := entry.String()
	assert.Contains(t, s, "TX: 01 02 (note)")
	assert.True(t, strings.HasPrefix(s, "["))
}

func TestFormatHex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(empty)", FormatHex(nil))
	assert.Equal(t, "90 00", FormatHex([]byte{0x90, 0x00}))

	long := make([]byte, 40)
	out := FormatHex(long)
	assert.True(t, strings.HasSuffix(out, "... (40 bytes total)"))
	assert.Equal(t, 32, strings.Count(out, "00"))
}
