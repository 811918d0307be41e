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

package card

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Instruction bytes and protocol constants for trusted channel setup.
const (
	INSManageSecurityEnvironment = 0x22
	INSGeneralAuthenticate       = 0x86
	INSEnvelope                  = 0xC2

	CLAPlain           = 0x00
	CLAChaining        = 0x10
	CLASecureMessaging = 0x0C

	// NonceSize is the length of each side's key agreement nonce.
	NonceSize = 32

	keyAgreementInfo = "cardwall trusted channel v1"
	hostTokenLabel   = "host"
	cardTokenLabel   = "card"
)

// protocolReference selects CAN based key agreement in MSE:SET AT.
var protocolReference = []byte{0x80, 0x01, 0x01}

var (
	// ErrTrustedChannel means the card answered the key agreement with
	// something that does not prove knowledge of the CAN.
	ErrTrustedChannel = errors.New("trusted channel negotiation failed")
	// ErrSecureMessaging means a protected message failed authentication.
	ErrSecureMessaging = errors.New("secure messaging integrity failure")
)

// SessionKeys are derived from the CAN and both nonces.
type SessionKeys struct {
	MAC [32]byte
	Enc [32]byte
}

// DeriveKeys runs HKDF-SHA256 over the CAN with both nonces as salt.
func DeriveKeys(can string, hostNonce, cardNonce []byte) (SessionKeys, error) {
	salt := make([]byte, 0, len(hostNonce)+len(cardNonce))
	salt = append(salt, hostNonce...)
	salt = append(salt, cardNonce...)

	var keys SessionKeys
	r := hkdf.New(sha256.New, []byte(can), salt, []byte(keyAgreementInfo))
	if _, err := io.ReadFull(r, keys.MAC[:]); err != nil {
		return SessionKeys{}, fmt.Errorf("derive MAC key: %w", err)
	}
	if _, err := io.ReadFull(r, keys.Enc[:]); err != nil {
		return SessionKeys{}, fmt.Errorf("derive encryption key: %w", err)
	}
	return keys, nil
}

// AuthToken proves knowledge of the MAC key over the peer's nonce.
func AuthToken(macKey []byte, label string, peerNonce []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	_, _ = mac.Write([]byte(label))
	_, _ = mac.Write(peerNonce)
	return mac.Sum(nil)
}

// HostToken is the token the host sends to the card.
func HostToken(keys SessionKeys, cardNonce []byte) []byte {
	return AuthToken(keys.MAC[:], hostTokenLabel, cardNonce)
}

// CardToken is the token the card answers with.
func CardToken(keys SessionKeys, hostNonce []byte) []byte {
	return AuthToken(keys.MAC[:], cardTokenLabel, hostNonce)
}

// Role selects which direction a SecureMessaging instance sends in.
type Role byte

const (
	RoleHost Role = 0x01
	RoleCard Role = 0x02
)

func (r Role) peer() Role {
	if r == RoleHost {
		return RoleCard
	}
	return RoleHost
}

// SecureMessaging protects APDUs once the trusted channel is up. Each
// direction has its own counter, so a replayed or reordered message fails
// to open. Not safe for concurrent use.
type SecureMessaging struct {
	aead        cipher.AEAD
	sendCounter uint64
	recvCounter uint64
	role        Role
}

// NewSecureMessaging creates the protection layer for one side of the channel.
func NewSecureMessaging(keys SessionKeys, role Role) (*SecureMessaging, error) {
	aead, err := chacha20poly1305.New(keys.Enc[:])
	if err != nil {
		return nil, fmt.Errorf("init secure messaging: %w", err)
	}
	return &SecureMessaging{aead: aead, role: role}, nil
}

func (sm *SecureMessaging) nonce(dir Role, counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	n[0] = byte(dir)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// Seal encrypts and authenticates plaintext for the peer.
func (sm *SecureMessaging) Seal(plaintext []byte) []byte {
	out := sm.aead.Seal(nil, sm.nonce(sm.role, sm.sendCounter), plaintext, []byte{byte(sm.role)})
	sm.sendCounter++
	return out
}

// Open authenticates and decrypts a message from the peer.
func (sm *SecureMessaging) Open(sealed []byte) ([]byte, error) {
	peer := sm.role.peer()
	plain, err := sm.aead.Open(nil, sm.nonce(peer, sm.recvCounter), sealed, []byte{byte(peer)})
	if err != nil {
		return nil, ErrSecureMessaging
	}
	sm.recvCounter++
	return plain, nil
}

// WrapCommand turns cmd into an envelope carrying its sealed encoding.
func (sm *SecureMessaging) WrapCommand(cmd Command) (Command, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return Command{}, err
	}
	sealed := sm.Seal(raw)
	le := MaxShortLe
	if len(sealed) > MaxShortData || cmd.Le > MaxShortLe-chacha20poly1305.Overhead-responseTrailers {
		le = MaxExtendedLe
	}
	return NewCommand(CLASecureMessaging, INSEnvelope, 0x00, 0x00, sealed).WithLe(le), nil
}

// UnwrapCommand recovers the inner command from an envelope.
func (sm *SecureMessaging) UnwrapCommand(env Command) (Command, error) {
	if env.CLA != CLASecureMessaging || env.INS != INSEnvelope {
		return Command{}, fmt.Errorf("%w: unprotected command %02X %02X", ErrSecureMessaging, env.CLA, env.INS)
	}
	raw, err := sm.Open(env.Data)
	if err != nil {
		return Command{}, err
	}
	return ParseCommand(raw)
}

// WrapResponse seals resp into a 9000 envelope response.
func (sm *SecureMessaging) WrapResponse(resp Response) Response {
	return Response{Data: sm.Seal(resp.Bytes()), SW: SWSuccess}
}

// UnwrapResponse opens an envelope response. Unprotected error statuses
// from the card are returned unchanged.
func (sm *SecureMessaging) UnwrapResponse(env Response) (Response, error) {
	if !env.OK() {
		return env, nil
	}
	raw, err := sm.Open(env.Data)
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(raw)
}

// Transmitter sends one command and returns the card's response.
type Transmitter interface {
	Transmit(ctx context.Context, cmd Command) (Response, error)
}

// TrustedChannelEstablisher negotiates secure messaging keyed by the CAN.
type TrustedChannelEstablisher interface {
	Establish(ctx context.Context, t Transmitter, can string) (*SecureMessaging, error)
}

// CANKeyAgreement is a nonce exchange with mutual HMAC proof of the CAN.
// A card that rejects the host proof answers 6300.
type CANKeyAgreement struct {
	// Rand supplies the host nonce; crypto/rand when nil.
	Rand io.Reader
}

// Establish runs MSE:SET AT followed by two GENERAL AUTHENTICATE steps.
func (k CANKeyAgreement) Establish(ctx context.Context, t Transmitter, can string) (*SecureMessaging, error) {
	if err := transmitOK(ctx, t, "MSE SET AT",
		NewCommand(CLAPlain, INSManageSecurityEnvironment, 0xC1, 0xA4, protocolReference)); err != nil {
		return nil, err
	}

	random := k.Rand
	if random == nil {
		random = rand.Reader
	}
	hostNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, hostNonce); err != nil {
		return nil, fmt.Errorf("generate host nonce: %w", err)
	}

	resp, err := t.Transmit(ctx, NewCommand(CLAChaining, INSGeneralAuthenticate, 0x00, 0x00, hostNonce).WithLe(MaxShortLe))
	if err != nil {
		return nil, err
	}
	if err := checkResponse("GENERAL AUTHENTICATE nonce", resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != NonceSize {
		return nil, fmt.Errorf("%w: card nonce is %d bytes", ErrTrustedChannel, len(resp.Data))
	}
	cardNonce := resp.Data

	keys, err := DeriveKeys(can, hostNonce, cardNonce)
	if err != nil {
		return nil, err
	}

	resp, err = t.Transmit(ctx, NewCommand(CLAPlain, INSGeneralAuthenticate, 0x00, 0x00,
		HostToken(keys, cardNonce)).WithLe(MaxShortLe))
	if err != nil {
		return nil, err
	}
	if err := checkResponse("GENERAL AUTHENTICATE token", resp); err != nil {
		return nil, err
	}
	if !hmac.Equal(resp.Data, CardToken(keys, hostNonce)) {
		return nil, fmt.Errorf("%w: card token mismatch", ErrTrustedChannel)
	}

	return NewSecureMessaging(keys, RoleHost)
}

func transmitOK(ctx context.Context, t Transmitter, name string, cmd Command) error {
	resp, err := t.Transmit(ctx, cmd)
	if err != nil {
		return err
	}
	return checkResponse(name, resp)
}
