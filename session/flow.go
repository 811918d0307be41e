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

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/protocol"
	"github.com/samber/mo"
)

// TokenExchangeKind says which credential a TokenExchange carries.
type TokenExchangeKind int

const (
	// TokenExchangeHealthCard follows a health card login. Certificate and,
	// when a challenge was given, Signature are set.
	TokenExchangeHealthCard TokenExchangeKind = iota
	// TokenExchangePairing follows a successful pairing. Payload holds the
	// CBOR encoded protocol.PairingPayload.
	TokenExchangePairing
	// TokenExchangeSecureElement follows a successful device key login.
	TokenExchangeSecureElement
)

func (k TokenExchangeKind) String() string {
	switch k {
	case TokenExchangeHealthCard:
		return "health-card"
	case TokenExchangePairing:
		return "pairing"
	case TokenExchangeSecureElement:
		return "secure-element"
	default:
		return "unknown"
	}
}

// TokenExchange tells the identity collaborator that a run produced
// something it can trade for a token. This package never performs the
// exchange itself.
type TokenExchange struct {
	RunID       string
	Certificate []byte
	Signature   []byte
	Payload     []byte
	Alias       []byte
	Kind        TokenExchangeKind
}

// flow is what a controller runs. The controller owns scheduling,
// cancellation and state publication; a flow only knows its protocol.
type flow interface {
	name() string

	// required lists the credentials that must be present before a run.
	required() []cardwall.CredentialField

	// prepare runs once per user start before a card is needed. A present
	// state ends the run without a card.
	prepare(ctx context.Context) (mo.Option[cardwall.ProtocolState], []TokenExchange, error)

	// run drives the protocol over ch. The terminal state has already been
	// emitted when run returns; a cancelled run returns ctx's error.
	run(
		ctx context.Context,
		ch cardwall.Channel,
		creds cardwall.Credentials,
		emit protocol.Emit,
	) (cardwall.ProtocolState, []TokenExchange, error)

	// abort reverts whatever prepare left behind when the run is cancelled
	// or superseded before finishing.
	abort(ctx context.Context)

	// fieldToReenter names the credential invalidated by a recoverable state.
	fieldToReenter(state cardwall.ProtocolState) (cardwall.CredentialField, bool)
}

// noPrepare is embedded by flows that go straight to the card.
type noPrepare struct{}

func (noPrepare) prepare(context.Context) (mo.Option[cardwall.ProtocolState], []TokenExchange, error) {
	return mo.None[cardwall.ProtocolState](), nil, nil
}

func (noPrepare) abort(context.Context) {}
