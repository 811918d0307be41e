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

// Package cardwall holds the shared types of the health card engine: protocol
// states, commands, credentials, tags and channels, plus the error taxonomy
// and retry helpers used by every other package.
package cardwall

import (
	"fmt"

	"github.com/samber/lo"
)

// StateKind identifies a ProtocolState variant.
type StateKind int

const (
	StateIdle StateKind = iota
	StateFlowInitialized
	StateChannelReady
	StateTrustedChannelEstablished
	StateFinished
	StateCardAccessNumberWrong
	StatePinRetriesLeft
	StatePukRetriesLeft
	StateCardBlocked
	StatePasswordBlocked
	StateMemoryFailure
	StateSecurityStatusNotSatisfied
	StatePasswordNotFound
	StatePasswordNotUsable
	StateSecureElementFailure
	StateCommunicationInterrupted
)

var stateKindNames = map[StateKind]string{
	StateIdle:                       "Idle",
	StateFlowInitialized:            "FlowInitialized",
	StateChannelReady:               "ChannelReady",
	StateTrustedChannelEstablished:  "TrustedChannelEstablished",
	StateFinished:                   "Finished",
	StateCardAccessNumberWrong:      "CardAccessNumberWrong",
	StatePinRetriesLeft:             "PinRetriesLeft",
	StatePukRetriesLeft:             "PukRetriesLeft",
	StateCardBlocked:                "CardBlocked",
	StatePasswordBlocked:            "PasswordBlocked",
	StateMemoryFailure:              "MemoryFailure",
	StateSecurityStatusNotSatisfied: "SecurityStatusNotSatisfied",
	StatePasswordNotFound:           "PasswordNotFound",
	StatePasswordNotUsable:          "PasswordNotUsable",
	StateSecureElementFailure:       "SecureElementFailure",
	StateCommunicationInterrupted:   "CommunicationInterrupted",
}

func (k StateKind) String() string {
	if name, ok := stateKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

// failureKinds are the terminal variants that are not Finished.
var failureKinds = []StateKind{
	StateCardAccessNumberWrong,
	StatePinRetriesLeft,
	StatePukRetriesLeft,
	StateCardBlocked,
	StatePasswordBlocked,
	StateMemoryFailure,
	StateSecurityStatusNotSatisfied,
	StatePasswordNotFound,
	StatePasswordNotUsable,
	StateSecureElementFailure,
	StateCommunicationInterrupted,
}

// ProtocolState is the observable state of an unlock or authentication run.
// RetriesLeft is only meaningful for StatePinRetriesLeft and StatePukRetriesLeft.
type ProtocolState struct {
	Kind        StateKind
	RetriesLeft int
}

var (
	Idle                       = ProtocolState{Kind: StateIdle}
	FlowInitialized            = ProtocolState{Kind: StateFlowInitialized}
	ChannelReady               = ProtocolState{Kind: StateChannelReady}
	TrustedChannelEstablished  = ProtocolState{Kind: StateTrustedChannelEstablished}
	Finished                   = ProtocolState{Kind: StateFinished}
	CardAccessNumberWrong      = ProtocolState{Kind: StateCardAccessNumberWrong}
	CardBlocked                = ProtocolState{Kind: StateCardBlocked}
	PasswordBlocked            = ProtocolState{Kind: StatePasswordBlocked}
	MemoryFailure              = ProtocolState{Kind: StateMemoryFailure}
	SecurityStatusNotSatisfied = ProtocolState{Kind: StateSecurityStatusNotSatisfied}
	PasswordNotFound           = ProtocolState{Kind: StatePasswordNotFound}
	PasswordNotUsable          = ProtocolState{Kind: StatePasswordNotUsable}
	SecureElementFailure       = ProtocolState{Kind: StateSecureElementFailure}
	CommunicationInterrupted   = ProtocolState{Kind: StateCommunicationInterrupted}
)

// PinRetriesLeft reports a rejected PIN. A count of zero or less means the
// card no longer accepts the PIN and yields CardBlocked.
func PinRetriesLeft(n int) ProtocolState {
	if n <= 0 {
		return CardBlocked
	}
	return ProtocolState{Kind: StatePinRetriesLeft, RetriesLeft: n}
}

// PukRetriesLeft reports a rejected PUK. PukRetriesLeft(0) is never produced;
// exhausted retries yield CardBlocked.
func PukRetriesLeft(n int) ProtocolState {
	if n <= 0 {
		return CardBlocked
	}
	return ProtocolState{Kind: StatePukRetriesLeft, RetriesLeft: n}
}

func (s ProtocolState) String() string {
	switch s.Kind {
	case StatePinRetriesLeft, StatePukRetriesLeft:
		return fmt.Sprintf("%s(%d)", s.Kind, s.RetriesLeft)
	default:
		return s.Kind.String()
	}
}

// IsFailure reports whether s is a terminal failure variant.
func (s ProtocolState) IsFailure() bool {
	return lo.Contains(failureKinds, s.Kind)
}

// IsTerminal reports whether the run that produced s has ended.
func (s ProtocolState) IsTerminal() bool {
	return s.Kind == StateFinished || s.IsFailure()
}

// IsInProgress reports whether a run is between start and its terminal state.
func (s ProtocolState) IsInProgress() bool {
	switch s.Kind {
	case StateFlowInitialized, StateChannelReady, StateTrustedChannelEstablished:
		return true
	default:
		return false
	}
}

// IsReady reports whether the card is waiting on the reader for the next step.
func (s ProtocolState) IsReady() bool {
	return s.Kind == StateChannelReady || s.Kind == StateTrustedChannelEstablished
}

// IsInterrupted reports whether s is CommunicationInterrupted.
func (s ProtocolState) IsInterrupted() bool {
	return s.Kind == StateCommunicationInterrupted
}

// IsFinal reports whether no retry on this card can change the outcome.
func (s ProtocolState) IsFinal() bool {
	switch s.Kind {
	case StateFinished, StateCardBlocked, StatePasswordBlocked:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether the user can fix the failure by re-entering
// a credential.
func (s ProtocolState) IsRecoverable() bool {
	switch s.Kind {
	case StateCardAccessNumberWrong, StatePinRetriesLeft, StatePukRetriesLeft:
		return true
	default:
		return false
	}
}

// AcceptsCardDetection reports whether a hardware tag detection may start a
// new run from s. Terminal states other than CommunicationInterrupted keep
// the machine parked until an explicit user start.
func (s ProtocolState) AcceptsCardDetection() bool {
	return !s.IsTerminal() || s.IsInterrupted()
}
