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

package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/ZaparooProject/go-cardwall/keystore"
	"github.com/ZaparooProject/go-cardwall/protocol"
	"github.com/samber/mo"
)

var errNoCardStep = errors.New("flow has no card step")

// Capabilities describes the security hardware of the device.
type Capabilities struct {
	// AttestedKeyGeneration is required for pairing.
	AttestedKeyGeneration bool
	// StrongBox asks the key store for its hardened backend first.
	StrongBox bool
}

// AuthController logs in with a health card, pairs a device key with it and
// logs in with a paired device key.
type AuthController struct {
	*controller
	auth        *protocol.Authentication
	provisioner *keystore.Provisioner
	caps        Capabilities
}

// NewAuthController creates an authentication controller. provisioner may be
// nil on devices without a secure element; pairing is then refused.
func NewAuthController(
	hub *Hub,
	provisioner *keystore.Provisioner,
	caps Capabilities,
	config *Config,
) *AuthController {
	a := &AuthController{
		auth:        protocol.NewAuthentication(nil),
		provisioner: provisioner,
		caps:        caps,
	}
	a.controller = newController("auth", hub, config, func() flow { return a.loginFlow(nil) })
	return a
}

// Start begins a health card login without a challenge.
func (a *AuthController) Start(ctx context.Context) error {
	return a.StartLogin(ctx, nil)
}

// StartLogin begins a health card login. A non-nil challenge is signed by
// the card and handed to the token exchange.
func (a *AuthController) StartLogin(ctx context.Context, challenge []byte) error {
	return a.start(ctx, a.loginFlow(challenge))
}

// StartPairing provisions a device key and binds it to the card holder.
func (a *AuthController) StartPairing(ctx context.Context) error {
	if !a.caps.AttestedKeyGeneration || a.provisioner == nil {
		return fmt.Errorf("pairing: %w: attested key generation", cardwall.ErrCapabilityUnavailable)
	}
	return a.start(ctx, &pairingFlow{
		auth:        a.auth,
		provisioner: a.provisioner,
		strongBox:   a.caps.StrongBox,
	})
}

// StartSecureElementLogin logs in with a key paired earlier. No card is
// involved.
func (a *AuthController) StartSecureElementLogin(ctx context.Context, alias []byte) error {
	if a.provisioner == nil {
		return fmt.Errorf("secure element login: %w", cardwall.ErrCapabilityUnavailable)
	}
	if len(alias) == 0 {
		return fmt.Errorf("secure element login: %w: empty alias", cardwall.ErrInvalidParameter)
	}
	return a.start(ctx, &secureElementFlow{provisioner: a.provisioner, alias: alias})
}

func (a *AuthController) loginFlow(challenge []byte) flow {
	return &loginFlow{auth: a.auth, challenge: challenge}
}

type loginFlow struct {
	noPrepare
	auth      *protocol.Authentication
	challenge []byte
}

func (*loginFlow) name() string { return "login" }

func (*loginFlow) required() []cardwall.CredentialField { return cardwall.LoginFields }

func (f *loginFlow) run(
	ctx context.Context,
	ch cardwall.Channel,
	creds cardwall.Credentials,
	emit protocol.Emit,
) (cardwall.ProtocolState, []TokenExchange, error) {
	state, result, err := f.auth.Login(ctx, ch, protocol.LoginRequest{Credentials: creds, Challenge: f.challenge}, emit)
	if err != nil || state != cardwall.Finished {
		return state, nil, err
	}
	return state, []TokenExchange{{
		Kind:        TokenExchangeHealthCard,
		Certificate: result.Certificate,
		Signature:   result.Signature,
	}}, nil
}

func (*loginFlow) fieldToReenter(state cardwall.ProtocolState) (cardwall.CredentialField, bool) {
	return cardwall.LoginFieldToReenter(state)
}

// pairingFlow keeps its device key across interrupted attempts and deletes
// it when pairing fails for any other reason or is abandoned.
type pairingFlow struct {
	device      mo.Option[protocol.DeviceKey]
	auth        *protocol.Authentication
	provisioner *keystore.Provisioner
	mu          syncutil.Mutex
	strongBox   bool
	paired      bool
}

func (*pairingFlow) name() string { return "pairing" }

func (*pairingFlow) required() []cardwall.CredentialField { return cardwall.LoginFields }

func (f *pairingFlow) prepare(ctx context.Context) (mo.Option[cardwall.ProtocolState], []TokenExchange, error) {
	result := f.provisioner.Provision(ctx, f.strongBox)
	if ctx.Err() != nil {
		return mo.None[cardwall.ProtocolState](), nil, ctx.Err()
	}
	final := cardwall.Match(result,
		func(err error) mo.Option[cardwall.ProtocolState] {
			cardwall.Debugf("session pairing: provisioning failed: %v", err)
			return mo.Some(cardwall.SecureElementFailure)
		},
		func([]byte) mo.Option[cardwall.ProtocolState] {
			return mo.Some(cardwall.SecureElementFailure)
		},
		func(alias []byte, pub *ecdsa.PublicKey) mo.Option[cardwall.ProtocolState] {
			f.mu.Lock()
			f.device = mo.Some(protocol.DeviceKey{Alias: alias, PublicKey: pub})
			f.mu.Unlock()
			return mo.None[cardwall.ProtocolState]()
		},
	)
	return final, nil, nil
}

func (f *pairingFlow) run(
	ctx context.Context,
	ch cardwall.Channel,
	creds cardwall.Credentials,
	emit protocol.Emit,
) (cardwall.ProtocolState, []TokenExchange, error) {
	f.mu.Lock()
	device := f.device.OrEmpty()
	f.mu.Unlock()

	state, payload, err := f.auth.Pair(ctx, ch, protocol.PairRequest{Device: device, Credentials: creds}, emit)
	if err != nil {
		return state, nil, err
	}
	if state != cardwall.Finished {
		if !state.IsInterrupted() {
			f.discard(ctx)
		}
		return state, nil, nil
	}

	f.mu.Lock()
	f.paired = true
	f.mu.Unlock()

	var tokens []TokenExchange
	data, err := payload.Marshal()
	if err != nil {
		cardwall.Debugf("session pairing: %v", err)
	} else {
		tokens = append(tokens, TokenExchange{
			Kind:        TokenExchangePairing,
			Alias:       device.Alias,
			Certificate: payload.Certificate,
			Signature:   payload.CardSignature,
			Payload:     data,
		})
	}

	// The card login still works if the device key cannot be used yet, so
	// a failed check is only logged.
	check := f.provisioner.Authenticate(ctx, device.Alias, nil)
	if check.Kind == cardwall.SecureElementAuthenticated {
		tokens = append(tokens, TokenExchange{Kind: TokenExchangeSecureElement, Alias: device.Alias})
	} else {
		metrics.RecordPostPairingFailure()
		cardwall.Warnf("pairing finished but the secure element login after it failed: %v", check)
	}
	return state, tokens, nil
}

func (f *pairingFlow) abort(ctx context.Context) {
	f.mu.Lock()
	paired := f.paired
	f.mu.Unlock()
	if !paired {
		f.discard(ctx)
	}
}

func (f *pairingFlow) discard(ctx context.Context) {
	f.mu.Lock()
	device, ok := f.device.Get()
	f.device = mo.None[protocol.DeviceKey]()
	f.mu.Unlock()
	if !ok {
		return
	}
	if err := f.provisioner.Discard(ctx, device.Alias); err != nil {
		cardwall.Debugf("session pairing: discard device key: %v", err)
	}
}

func (*pairingFlow) fieldToReenter(state cardwall.ProtocolState) (cardwall.CredentialField, bool) {
	return cardwall.LoginFieldToReenter(state)
}

type secureElementFlow struct {
	provisioner *keystore.Provisioner
	alias       []byte
}

func (*secureElementFlow) name() string { return "secure-element" }

func (*secureElementFlow) required() []cardwall.CredentialField { return nil }

func (f *secureElementFlow) prepare(ctx context.Context) (mo.Option[cardwall.ProtocolState], []TokenExchange, error) {
	result := f.provisioner.Authenticate(ctx, f.alias, nil)
	if ctx.Err() != nil {
		return mo.None[cardwall.ProtocolState](), nil, ctx.Err()
	}
	if result.Kind != cardwall.SecureElementAuthenticated {
		cardwall.Debugf("session secure-element: %v", result)
		return mo.Some(cardwall.SecureElementFailure), nil, nil
	}
	return mo.Some(cardwall.Finished), []TokenExchange{{
		Kind:  TokenExchangeSecureElement,
		Alias: f.alias,
	}}, nil
}

func (*secureElementFlow) run(
	context.Context,
	cardwall.Channel,
	cardwall.Credentials,
	protocol.Emit,
) (cardwall.ProtocolState, []TokenExchange, error) {
	return cardwall.Idle, nil, errNoCardStep
}

func (*secureElementFlow) abort(context.Context) {}

func (*secureElementFlow) fieldToReenter(cardwall.ProtocolState) (cardwall.CredentialField, bool) {
	return 0, false
}
