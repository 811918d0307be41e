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
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/card"
	"github.com/fxamacker/cbor/v2"
)

// PairingPayloadVersion is the current PairingPayload layout.
const PairingPayloadVersion = 1

var errNoDeviceKey = errors.New("no device key")

// DeviceKey is a provisioned secure element key.
type DeviceKey struct {
	PublicKey *ecdsa.PublicKey
	Alias     []byte
}

// PairRequest is the input of a pairing run.
type PairRequest struct {
	Device      DeviceKey
	Credentials cardwall.Credentials
}

// PairingPayload binds a device key to the card holder. The card signs the
// SHA-256 of PublicKey with its authentication key; the identity
// collaborator checks the signature against Certificate.
type PairingPayload struct {
	Alias         []byte `cbor:"1,keyasint"`
	PublicKey     []byte `cbor:"2,keyasint"` // PKIX DER
	Certificate   []byte `cbor:"3,keyasint"`
	CardSignature []byte `cbor:"4,keyasint"`
	Version       int    `cbor:"5,keyasint"`
}

// Marshal encodes p as CBOR.
func (p PairingPayload) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pairing payload: %w", err)
	}
	return data, nil
}

// UnmarshalPairingPayload decodes a CBOR pairing payload.
func UnmarshalPairingPayload(data []byte) (PairingPayload, error) {
	var p PairingPayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return PairingPayload{}, fmt.Errorf("decode pairing payload: %w", err)
	}
	if p.Version != PairingPayloadVersion {
		return PairingPayload{}, fmt.Errorf("%w: pairing payload version %d",
			cardwall.ErrInvalidParameter, p.Version)
	}
	return p, nil
}

// DevicePublicKey parses the PKIX public key of p.
func (p PairingPayload) DevicePublicKey() (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: device key is %T", cardwall.ErrInvalidParameter, key)
	}
	return pub, nil
}

// Pair runs a login and has the card sign the device public key. The payload
// is only filled on Finished.
func (a *Authentication) Pair(
	ctx context.Context,
	ch cardwall.Channel,
	req PairRequest,
	emit Emit,
) (cardwall.ProtocolState, PairingPayload, error) {
	login := LoginRequest{Credentials: req.Credentials}
	if err := login.Validate(); err != nil {
		return cardwall.Idle, PairingPayload{}, fmt.Errorf("pair: %w", err)
	}

	der, err := marshalDeviceKey(req.Device)
	if err != nil {
		cardwall.Debugf("protocol: pairing without usable device key: %v", err)
		emit(cardwall.ChannelReady)
		state, ferr := finish(ctx, cardwall.SecureElementFailure, emit)
		return state, PairingPayload{}, ferr
	}

	session := card.NewSession(ch, a.establisher)
	state, result := a.login(ctx, session, login, emit)
	if state != cardwall.Finished {
		state, err = finish(ctx, state, emit)
		return state, PairingPayload{}, err
	}

	digest := sha256.Sum256(der)
	sig, err := session.Sign(ctx, digest[:])
	if err != nil {
		state, err = finish(ctx, transportFailure("sign device key", err), emit)
		return state, PairingPayload{}, err
	}

	payload := PairingPayload{
		Version:       PairingPayloadVersion,
		Alias:         req.Device.Alias,
		PublicKey:     der,
		Certificate:   result.Certificate,
		CardSignature: sig,
	}
	state, err = finish(ctx, cardwall.Finished, emit)
	if err != nil {
		return state, PairingPayload{}, err
	}
	return state, payload, nil
}

func marshalDeviceKey(key DeviceKey) ([]byte, error) {
	if key.PublicKey == nil || len(key.Alias) == 0 {
		return nil, errNoDeviceKey
	}
	der, err := x509.MarshalPKIXPublicKey(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode device key: %w", err)
	}
	return der, nil
}
