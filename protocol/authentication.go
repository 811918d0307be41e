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
	"crypto/sha256"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/card"
)

// LoginRequest is the input of a health card login.
type LoginRequest struct {
	Credentials cardwall.Credentials
	// Challenge, when set, is hashed and signed by the card after the PIN
	// has been verified.
	Challenge []byte
}

// Validate checks that CAN and PIN are present.
func (r LoginRequest) Validate() error {
	if err := r.Credentials.Require(cardwall.LoginFields...); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// LoginResult carries what the identity collaborator needs after Finished.
type LoginResult struct {
	Certificate []byte
	Signature   []byte
}

// Authentication logs in with a health card and pairs device keys with it.
type Authentication struct {
	establisher card.TrustedChannelEstablisher
}

// NewAuthentication creates the authentication state machine. A nil
// establisher uses the default CAN key agreement.
func NewAuthentication(establisher card.TrustedChannelEstablisher) *Authentication {
	return &Authentication{establisher: establisher}
}

// Login authenticates the card holder: trusted channel, certificate, PIN and
// optionally a challenge signature. The result is only filled on Finished.
func (a *Authentication) Login(
	ctx context.Context,
	ch cardwall.Channel,
	req LoginRequest,
	emit Emit,
) (cardwall.ProtocolState, LoginResult, error) {
	if err := req.Validate(); err != nil {
		return cardwall.Idle, LoginResult{}, err
	}
	session := card.NewSession(ch, a.establisher)
	state, result := a.login(ctx, session, req, emit)
	state, err := finish(ctx, state, emit)
	if err != nil || state != cardwall.Finished {
		return state, LoginResult{}, err
	}
	return state, result, nil
}

func (a *Authentication) login(
	ctx context.Context,
	session *card.Session,
	req LoginRequest,
	emit Emit,
) (cardwall.ProtocolState, LoginResult) {
	if state, ok := establish(ctx, session, req.Credentials.CAN.MustGet(), emit); !ok {
		return state, LoginResult{}
	}

	cert, err := session.ReadCertificate(ctx)
	if err != nil {
		return transportFailure("read certificate", err), LoginResult{}
	}

	if err := session.VerifyPIN(ctx, req.Credentials.PIN.MustGet()); err != nil {
		return LoginFailure(err), LoginResult{}
	}

	result := LoginResult{Certificate: cert}
	if req.Challenge != nil {
		digest := sha256.Sum256(req.Challenge)
		sig, err := session.Sign(ctx, digest[:])
		if err != nil {
			return transportFailure("sign challenge", err), LoginResult{}
		}
		result.Signature = sig
	}
	return cardwall.Finished, result
}

// LoginFailure maps the error of a PIN verification to a terminal state.
// Only two and one remaining retries are reported; any other rejection means
// the card cannot be used for login any more.
func LoginFailure(err error) cardwall.ProtocolState {
	sw, ok := card.StatusOf(err)
	if !ok {
		return transportFailure("verify PIN", err)
	}
	switch sw {
	case card.WarningCountStatus(2):
		return cardwall.PinRetriesLeft(2)
	case card.WarningCountStatus(1):
		return cardwall.PinRetriesLeft(1)
	default:
		return cardwall.CardBlocked
	}
}
