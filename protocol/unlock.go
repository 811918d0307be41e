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

package protocol

import (
	"context"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/card"
	"github.com/samber/mo"
)

// Highest retry counters the card reports for each secret.
const (
	maxPINWarningCount = 3
	maxPUKWarningCount = 9
)

// UnlockRequest is the input of one unlock run.
type UnlockRequest struct {
	Credentials cardwall.Credentials
	Method      cardwall.UnlockMethod
}

// Validate checks that the credentials the method needs are present.
func (r UnlockRequest) Validate() error {
	if err := r.Credentials.Require(r.Method.RequiredFields()...); err != nil {
		return fmt.Errorf("unlock %s: %w", r.Method, err)
	}
	return nil
}

// Unlock changes or resets the PIN of a health card.
type Unlock struct {
	establisher card.TrustedChannelEstablisher
}

// NewUnlock creates the unlock state machine. A nil establisher uses the
// default CAN key agreement.
func NewUnlock(establisher card.TrustedChannelEstablisher) *Unlock {
	return &Unlock{establisher: establisher}
}

// Run drives one unlock attempt over ch. It returns the terminal state, which
// has also been emitted. If ctx is cancelled the run stops without a terminal
// state and Run returns ctx's error.
func (u *Unlock) Run(
	ctx context.Context,
	ch cardwall.Channel,
	req UnlockRequest,
	emit Emit,
) (cardwall.ProtocolState, error) {
	if err := req.Validate(); err != nil {
		return cardwall.Idle, err
	}

	session := card.NewSession(ch, u.establisher)
	if state, ok := establish(ctx, session, req.Credentials.CAN.MustGet(), emit); !ok {
		return finish(ctx, state, emit)
	}

	var err error
	switch req.Method {
	case cardwall.ChangeReferenceData:
		err = session.ChangeReferenceData(ctx,
			req.Credentials.OldSecret.MustGet(), req.Credentials.NewSecret.MustGet())
	case cardwall.ResetRetryCounterWithNewSecret:
		err = session.ResetRetryCounter(ctx, req.Credentials.PUK.MustGet(), req.Credentials.NewSecret)
	case cardwall.ResetRetryCounter:
		err = session.ResetRetryCounter(ctx, req.Credentials.PUK.MustGet(), mo.None[string]())
	}
	if err == nil {
		return finish(ctx, cardwall.Finished, emit)
	}
	return finish(ctx, UnlockFailure(req.Method, err), emit)
}

// UnlockFailure maps the error of a secret command to a terminal state.
// Status words the card should not produce for the command fall back to the
// blocked state of the secret involved.
func UnlockFailure(method cardwall.UnlockMethod, err error) cardwall.ProtocolState {
	sw, ok := card.StatusOf(err)
	if !ok {
		return transportFailure(method.String(), err)
	}
	if state, ok := commonStatus(sw); ok {
		return state
	}

	if method == cardwall.ChangeReferenceData {
		if n, ok := sw.WarningCount(); ok && n >= 1 && n <= maxPINWarningCount {
			return cardwall.PinRetriesLeft(n)
		}
		return cardwall.PasswordBlocked
	}

	if n, ok := sw.WarningCount(); ok && n >= 1 && n <= maxPUKWarningCount {
		return cardwall.PukRetriesLeft(n)
	}
	// With the PUK gone too nothing can unblock the PIN, so the card is
	// reported blocked rather than the password.
	if sw == card.SWPasswordBlocked {
		cardwall.Debugf("protocol: PUK exhausted")
	}
	return cardwall.CardBlocked
}
