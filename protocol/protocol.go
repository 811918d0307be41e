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

// Package protocol holds the card-facing state machines. A run consumes one
// card channel and emits ChannelReady, TrustedChannelEstablished and a
// terminal state, in that order. Runs keep no state between calls.
package protocol

import (
	"context"
	"errors"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/card"
)

// Emit receives the states of a run in the order they happen.
type Emit func(cardwall.ProtocolState)

// establish emits ChannelReady, opens the trusted channel and emits
// TrustedChannelEstablished. On failure it returns the terminal state.
func establish(
	ctx context.Context,
	session *card.Session,
	can string,
	emit Emit,
) (cardwall.ProtocolState, bool) {
	emit(cardwall.ChannelReady)
	if err := session.EstablishTrustedChannel(ctx, can); err != nil {
		if sw, ok := card.StatusOf(err); ok && sw == card.SWAuthenticationFailure {
			return cardwall.CardAccessNumberWrong, false
		}
		cardwall.Debugf("protocol: trusted channel failed: %v", err)
		return cardwall.CommunicationInterrupted, false
	}
	emit(cardwall.TrustedChannelEstablished)
	return cardwall.ProtocolState{}, true
}

// finish emits the terminal state unless ctx was cancelled, in which case the
// run is abandoned without a terminal state.
func finish(ctx context.Context, state cardwall.ProtocolState, emit Emit) (cardwall.ProtocolState, error) {
	if err := ctx.Err(); err != nil {
		return cardwall.Idle, err
	}
	emit(state)
	return state, nil
}

// transportFailure maps an error that is not a card status to a state.
func transportFailure(op string, err error) cardwall.ProtocolState {
	switch {
	case errors.Is(err, cardwall.ErrTagLost):
		cardwall.Debugf("protocol: %s: card left the field", op)
	case errors.Is(err, cardwall.ErrTransportTimeout):
		cardwall.Debugf("protocol: %s: timed out", op)
	default:
		cardwall.Debugf("protocol: %s: %v", op, err)
	}
	return cardwall.CommunicationInterrupted
}

// commonStatus maps the status words shared by all secret commands.
func commonStatus(sw card.StatusWord) (cardwall.ProtocolState, bool) {
	switch sw {
	case card.SWMemoryFailure:
		return cardwall.MemoryFailure, true
	case card.SWSecurityStatusNotSatisfied:
		return cardwall.SecurityStatusNotSatisfied, true
	case card.SWPasswordNotFound:
		return cardwall.PasswordNotFound, true
	case card.SWPasswordNotUsable:
		return cardwall.PasswordNotUsable, true
	default:
		return cardwall.ProtocolState{}, false
	}
}
