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

package testing

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ZaparooProject/go-cardwall/internal/frame"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

// PN532 command codes the simulator answers (User Manual, Table 12).
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// Status codes (Table 13).
const (
	errTimeout = 0x01
	errTarget  = 0x29
	moreData   = 0x40
)

// DefaultATS is the answer to select reported for inserted cards.
var DefaultATS = []byte{0x05, 0x78, 0x80, 0x70, 0x02}

// SimulatorState tracks the chip state visible to the host.
type SimulatorState struct {
	SelectedTarget int // -1 = none
	RFFieldOn      bool
	SAMConfigured  bool
}

// VirtualPN532 simulates a PN532 at the wire level with one health card
// slot. It implements io.ReadWriter to sit behind the UART and I2C
// transports in tests.
type VirtualPN532 struct {
	card                *VirtualHealthCard
	lastResponse        []byte
	chainIn             []byte
	chainOut            []byte
	commands            []byte
	rxBuffer            bytes.Buffer
	txBuffer            bytes.Buffer
	state               SimulatorState
	mu                  syncutil.Mutex
	chunkSize           int
	removeAfter         int
	exchanges           int
	firmware            [4]byte
	injectChecksumError bool
	dropNextACK         bool
	unplugged           bool
}

// NewVirtualPN532 creates a simulator with an empty field, answering
// GetFirmwareVersion as a PN532 v1.6.
func NewVirtualPN532() *VirtualPN532 {
	return &VirtualPN532{
		state:       SimulatorState{SelectedTarget: -1},
		firmware:    [4]byte{0x32, 0x01, 0x06, 0x07},
		chunkSize:   252,
		removeAfter: -1,
	}
}

// Write receives host bytes and queues the chip's answers.
func (v *VirtualPN532) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unplugged {
		return 0, io.ErrClosedPipe
	}
	v.rxBuffer.Write(data)
	v.processReceivedData()
	return len(data), nil
}

// Read returns queued answers. It returns 0, nil when nothing is pending,
// like a serial port whose read timeout expired.
func (v *VirtualPN532) Read(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unplugged {
		return 0, io.EOF
	}
	if v.txBuffer.Len() == 0 {
		return 0, nil
	}
	n, err := v.txBuffer.Read(buf)
	if err != nil {
		return n, fmt.Errorf("read from tx buffer: %w", err)
	}
	return n, nil
}

// Insert puts c in the field.
func (v *VirtualPN532) Insert(c *VirtualHealthCard) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.card = c
	v.exchanges = 0
	v.state.SelectedTarget = -1
}

// Remove takes the card out of the field.
func (v *VirtualPN532) Remove() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.card = nil
	v.chainIn, v.chainOut = nil, nil
	v.state.SelectedTarget = -1
}

// RemoveAfter lets n more APDUs through before the card leaves the field.
func (v *VirtualPN532) RemoveAfter(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeAfter = n
	v.exchanges = 0
}

// SetChunkSize sets the largest response slice per InDataExchange.
func (v *VirtualPN532) SetChunkSize(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chunkSize = n
}

// SetFirmwareVersion configures the answer to GetFirmwareVersion.
func (v *VirtualPN532) SetFirmwareVersion(ic, ver, rev, support byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.firmware = [4]byte{ic, ver, rev, support}
}

// InjectChecksumError corrupts the next response frame once.
func (v *VirtualPN532) InjectChecksumError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectChecksumError = true
}

// DropNextACK swallows the ACK of the next command.
func (v *VirtualPN532) DropNextACK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNextACK = true
}

// Unplug makes every further Read and Write fail like a vanished device.
func (v *VirtualPN532) Unplug() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unplugged = true
}

// State returns the current chip state.
func (v *VirtualPN532) State() SimulatorState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Commands returns the command codes received so far.
func (v *VirtualPN532) Commands() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return bytes.Clone(v.commands)
}

// CommandCount returns how often cmd was received.
func (v *VirtualPN532) CommandCount(cmd byte) int {
	return bytes.Count(v.Commands(), []byte{cmd})
}

// HasPendingResponse reports unread answer bytes, the I2C ready bit.
func (v *VirtualPN532) HasPendingResponse() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.txBuffer.Len() > 0
}

func (v *VirtualPN532) processReceivedData() {
	for v.rxBuffer.Len() > 0 {
		f, n, err := frame.Decode(v.rxBuffer.Bytes(), frame.HostToPN532)
		v.rxBuffer.Next(n)
		switch {
		case errors.Is(err, frame.ErrIncomplete):
			return
		case errors.Is(err, frame.ErrUnexpectedTFI), errors.Is(err, frame.ErrEmpty):
			v.send(frame.ErrorFrame())
			continue
		case err != nil:
			// Corrupted host frames are dropped; the host times out waiting for ACK.
			continue
		}

		switch f.Kind {
		case frame.KindAck:
			// An ACK from the host aborts nothing here; answers are immediate.
		case frame.KindNack:
			if v.lastResponse != nil {
				v.txBuffer.Write(v.lastResponse)
			}
		case frame.KindData:
			v.processCommand(f.Data)
		case frame.KindError:
			v.send(frame.ErrorFrame())
		}
	}
}

func (v *VirtualPN532) processCommand(data []byte) {
	if len(data) == 0 {
		v.send(frame.ErrorFrame())
		return
	}
	if !v.dropNextACK {
		v.txBuffer.Write(frame.AckFrame)
	}
	v.dropNextACK = false

	cmd, params := data[0], data[1:]
	v.commands = append(v.commands, cmd)

	var (
		response []byte
		ok       bool
	)
	switch cmd {
	case cmdGetFirmwareVersion:
		response, ok = v.firmware[:], true
	case cmdSAMConfiguration:
		response, ok = v.handleSAMConfiguration(params)
	case cmdRFConfiguration:
		response, ok = v.handleRFConfiguration(params)
	case cmdInListPassiveTarget:
		response, ok = v.handleInListPassiveTarget(params)
	case cmdInDataExchange:
		response, ok = v.handleInDataExchange(params)
	case cmdInRelease:
		response, ok = v.handleInRelease(params)
	}
	if !ok {
		v.send(frame.ErrorFrame())
		return
	}

	raw, err := frame.Response(cmd, response)
	if err != nil {
		v.send(frame.ErrorFrame())
		return
	}
	if v.injectChecksumError {
		v.injectChecksumError = false
		corrupted := bytes.Clone(raw)
		corrupted[len(corrupted)-2] ^= 0xFF
		v.txBuffer.Write(corrupted)
		v.lastResponse = raw
		return
	}
	v.send(raw)
}

func (v *VirtualPN532) send(raw []byte) {
	v.lastResponse = raw
	v.txBuffer.Write(raw)
}

func (v *VirtualPN532) handleSAMConfiguration(params []byte) ([]byte, bool) {
	if len(params) < 1 || params[0] < 0x01 || params[0] > 0x04 {
		return nil, false
	}
	v.state.SAMConfigured = true
	return []byte{}, true
}

func (v *VirtualPN532) handleRFConfiguration(params []byte) ([]byte, bool) {
	if len(params) < 2 {
		return nil, false
	}
	if params[0] == 0x01 {
		v.state.RFFieldOn = params[1]&0x01 != 0
	}
	return []byte{}, true
}

// handleInListPassiveTarget activates the card at 106 kbps type A. The
// activation resets the card like a fresh RATS.
func (v *VirtualPN532) handleInListPassiveTarget(params []byte) ([]byte, bool) {
	if len(params) < 2 || params[0] == 0 || params[0] > 2 || params[1] != 0x00 {
		return nil, false
	}
	v.state.RFFieldOn = true
	v.chainIn, v.chainOut = nil, nil
	if v.card == nil {
		v.state.SelectedTarget = -1
		return []byte{0x00}, true
	}

	v.card.Reset()
	v.state.SelectedTarget = 1
	uid := v.card.UID
	res := []byte{0x01, 0x01, 0x04, 0x00, 0x20, byte(len(uid))}
	res = append(res, uid...)
	return append(res, DefaultATS...), true
}

func (v *VirtualPN532) handleInDataExchange(params []byte) ([]byte, bool) {
	if len(params) < 1 {
		return nil, false
	}
	tg := int(params[0] & 0x3F)
	data := params[1:]

	if v.card == nil {
		return []byte{errTimeout}, true
	}
	if v.state.SelectedTarget < 1 || tg != v.state.SelectedTarget {
		return []byte{errTarget}, true
	}

	if params[0]&moreData != 0 {
		v.chainIn = append(v.chainIn, data...)
		return []byte{0x00}, true
	}
	if len(data) == 0 && len(v.chainOut) > 0 {
		return v.nextChunk(), true
	}

	apdu := append(v.chainIn, data...)
	v.chainIn = nil
	if v.removeAfter >= 0 && v.exchanges >= v.removeAfter {
		v.card = nil
		v.removeAfter = -1
		v.state.SelectedTarget = -1
		return []byte{errTimeout}, true
	}
	v.exchanges++
	v.chainOut = v.card.Process(apdu)
	return v.nextChunk(), true
}

func (v *VirtualPN532) nextChunk() []byte {
	n := min(v.chunkSize, len(v.chainOut))
	status := byte(0x00)
	if n < len(v.chainOut) {
		status = moreData
	}
	out := append([]byte{status}, v.chainOut[:n]...)
	v.chainOut = v.chainOut[n:]
	return out
}

func (v *VirtualPN532) handleInRelease(params []byte) ([]byte, bool) {
	if len(params) < 1 {
		return nil, false
	}
	tg := int(params[0])
	if tg == 0 || tg == v.state.SelectedTarget {
		v.state.SelectedTarget = -1
		v.chainIn, v.chainOut = nil, nil
	}
	return []byte{0x00}, true
}
