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

// Package testing provides a simulated health card, contactless reader and
// biometric prompt for exercising the engine without hardware.
package testing

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"time"

	"github.com/ZaparooProject/go-cardwall/card"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

// Default secrets of a fresh virtual card.
const (
	DefaultCAN = "123123"
	DefaultPIN = "123456"
	DefaultPUK = "12345678"

	MaxPINRetries = 3
	MaxPUKRetries = 10
)

// DefaultUID is the UID of a virtual card created without one.
var DefaultUID = []byte{0x08, 0x4A, 0x1F, 0x3C}

// VirtualHealthCard answers APDUs like a health card: CAN key agreement,
// secure messaging, PIN and PUK handling, certificate read and signing.
type VirtualHealthCard struct {
	authKey     *ecdsa.PrivateKey
	sm          *card.SecureMessaging
	rand        io.Reader
	statusHook  func(card.Command) (card.StatusWord, bool)
	can         string
	pin         string
	puk         string
	UID         []byte
	certificate []byte
	hostNonce   []byte
	cardNonce   []byte
	commands    []card.Command
	mu          syncutil.Mutex
	pinRetries  int
	pukRetries  int
	mseSet      bool
	pinVerified bool
}

// CardOption configures a VirtualHealthCard.
type CardOption func(*VirtualHealthCard)

// WithSecrets sets CAN, PIN and PUK.
func WithSecrets(can, pin, puk string) CardOption {
	return func(c *VirtualHealthCard) {
		c.can, c.pin, c.puk = can, pin, puk
	}
}

// WithRetries sets the remaining PIN and PUK retries.
func WithRetries(pin, puk int) CardOption {
	return func(c *VirtualHealthCard) {
		c.pinRetries, c.pukRetries = pin, puk
	}
}

// WithUID sets the card UID.
func WithUID(uid []byte) CardOption {
	return func(c *VirtualHealthCard) { c.UID = uid }
}

// WithStatusHook lets a test force a status word for selected inner commands.
func WithStatusHook(hook func(card.Command) (card.StatusWord, bool)) CardOption {
	return func(c *VirtualHealthCard) { c.statusHook = hook }
}

// NewVirtualHealthCard creates a card with default secrets and full retry
// counters. It panics only if the system random source fails.
func NewVirtualHealthCard(opts ...CardOption) *VirtualHealthCard {
	c := &VirtualHealthCard{
		UID:        DefaultUID,
		can:        DefaultCAN,
		pin:        DefaultPIN,
		puk:        DefaultPUK,
		pinRetries: MaxPINRetries,
		pukRetries: MaxPUKRetries,
		rand:       rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), c.rand)
	if err != nil {
		panic(err)
	}
	c.authKey = key
	c.certificate = selfSigned(key)
	return c
}

func selfSigned(key *ecdsa.PrivateKey) []byte {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Virtual Health Card", Organization: []string{"cardwall"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	return der
}

// Certificate returns the DER authentication certificate.
func (c *VirtualHealthCard) Certificate() []byte {
	return c.certificate
}

// PublicKey returns the card's authentication public key.
func (c *VirtualHealthCard) PublicKey() *ecdsa.PublicKey {
	return &c.authKey.PublicKey
}

// PIN returns the current PIN.
func (c *VirtualHealthCard) PIN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pin
}

// PINRetries returns the remaining PIN retries.
func (c *VirtualHealthCard) PINRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinRetries
}

// PUKRetries returns the remaining PUK retries.
func (c *VirtualHealthCard) PUKRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pukRetries
}

// Commands returns every command seen so far, unwrapped from secure messaging.
func (c *VirtualHealthCard) Commands() []card.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]card.Command(nil), c.commands...)
}

// Reset drops the security state, as when the card re-enters the field.
func (c *VirtualHealthCard) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sm = nil
	c.mseSet = false
	c.pinVerified = false
	c.hostNonce, c.cardNonce = nil, nil
}

// Process handles one raw command APDU and returns the raw response.
func (c *VirtualHealthCard) Process(raw []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, err := card.ParseCommand(raw)
	if err != nil {
		return status(card.SWWrongLength)
	}

	if c.sm == nil {
		c.commands = append(c.commands, cmd)
		return c.handle(cmd).Bytes()
	}

	inner, err := c.sm.UnwrapCommand(cmd)
	if err != nil {
		// Secure messaging is torn down on any integrity failure.
		c.sm = nil
		return status(card.SWSecurityStatusNotSatisfied)
	}
	c.commands = append(c.commands, inner)
	return c.sm.WrapResponse(c.handle(inner)).Bytes()
}

func (c *VirtualHealthCard) handle(cmd card.Command) card.Response {
	if c.statusHook != nil {
		if sw, ok := c.statusHook(cmd); ok {
			return card.Response{SW: sw}
		}
	}

	switch cmd.INS {
	case card.INSManageSecurityEnvironment:
		return c.manageSecurityEnvironment(cmd)
	case card.INSGeneralAuthenticate:
		return c.generalAuthenticate(cmd)
	case card.INSVerify:
		return c.verify(cmd)
	case card.INSChangeReferenceData:
		return c.changeReferenceData(cmd)
	case card.INSResetRetryCounter:
		return c.resetRetryCounter(cmd)
	case card.INSReadBinary:
		return c.readBinary(cmd)
	case card.INSPerformSecurityOp:
		return c.sign(cmd)
	default:
		return card.Response{SW: card.SWInstructionNotSupported}
	}
}

func (c *VirtualHealthCard) manageSecurityEnvironment(cmd card.Command) card.Response {
	if cmd.P1 != 0xC1 || cmd.P2 != 0xA4 || !bytes.Equal(cmd.Data, []byte{0x80, 0x01, 0x01}) {
		return card.Response{SW: card.SWWrongData}
	}
	c.mseSet = true
	return card.Response{SW: card.SWSuccess}
}

func (c *VirtualHealthCard) generalAuthenticate(cmd card.Command) card.Response {
	if !c.mseSet {
		return card.Response{SW: card.SWSecurityStatusNotSatisfied}
	}

	if cmd.CLA == card.CLAChaining {
		if len(cmd.Data) != card.NonceSize {
			return card.Response{SW: card.SWWrongLength}
		}
		c.hostNonce = append([]byte(nil), cmd.Data...)
		c.cardNonce = make([]byte, card.NonceSize)
		if _, err := io.ReadFull(c.rand, c.cardNonce); err != nil {
			return card.Response{SW: card.SWMemoryFailure}
		}
		return card.Response{Data: c.cardNonce, SW: card.SWSuccess}
	}

	if c.cardNonce == nil {
		return card.Response{SW: card.SWSecurityStatusNotSatisfied}
	}
	keys, err := card.DeriveKeys(c.can, c.hostNonce, c.cardNonce)
	if err != nil {
		return card.Response{SW: card.SWMemoryFailure}
	}
	defer func() { c.hostNonce, c.cardNonce, c.mseSet = nil, nil, false }()
	if !hmac.Equal(cmd.Data, card.HostToken(keys, c.cardNonce)) {
		return card.Response{SW: card.SWAuthenticationFailure}
	}
	sm, err := card.NewSecureMessaging(keys, card.RoleCard)
	if err != nil {
		return card.Response{SW: card.SWMemoryFailure}
	}
	token := card.CardToken(keys, c.hostNonce)
	// The answer to this command still travels unprotected.
	c.sm = sm
	return card.Response{Data: token, SW: card.SWSuccess}
}

func (c *VirtualHealthCard) verify(cmd card.Command) card.Response {
	if c.sm == nil {
		return card.Response{SW: card.SWSecurityStatusNotSatisfied}
	}
	pin, err := card.ParsePINBlock(cmd.Data)
	if err != nil {
		return card.Response{SW: card.SWWrongData}
	}
	if sw, ok := c.checkPIN(pin); !ok {
		return card.Response{SW: sw}
	}
	c.pinVerified = true
	return card.Response{SW: card.SWSuccess}
}

func (c *VirtualHealthCard) changeReferenceData(cmd card.Command) card.Response {
	if c.sm == nil {
		return card.Response{SW: card.SWSecurityStatusNotSatisfied}
	}
	if len(cmd.Data) != 2*card.PINBlockLength {
		return card.Response{SW: card.SWWrongLength}
	}
	oldPIN, err := card.ParsePINBlock(cmd.Data[:card.PINBlockLength])
	if err != nil {
		return card.Response{SW: card.SWWrongData}
	}
	newPIN, err := card.ParsePINBlock(cmd.Data[card.PINBlockLength:])
	if err != nil {
		return card.Response{SW: card.SWWrongData}
	}
	if sw, ok := c.checkPIN(oldPIN); !ok {
		return card.Response{SW: sw}
	}
	c.pin = newPIN
	return card.Response{SW: card.SWSuccess}
}

func (c *VirtualHealthCard) checkPIN(pin string) (card.StatusWord, bool) {
	if c.pinRetries <= 0 {
		return card.SWPasswordBlocked, false
	}
	if pin != c.pin {
		c.pinRetries--
		if c.pinRetries == 0 {
			return card.SWPasswordBlocked, false
		}
		return card.WarningCountStatus(c.pinRetries), false
	}
	c.pinRetries = MaxPINRetries
	return card.SWSuccess, true
}

func (c *VirtualHealthCard) resetRetryCounter(cmd card.Command) card.Response {
	if c.sm == nil {
		return card.Response{SW: card.SWSecurityStatusNotSatisfied}
	}
	if len(cmd.Data) < len(c.puk) {
		return card.Response{SW: card.SWWrongLength}
	}
	var newPIN string
	switch cmd.P1 {
	case card.ResetWithNewSecret:
		if len(cmd.Data) != len(c.puk)+card.PINBlockLength {
			return card.Response{SW: card.SWWrongLength}
		}
		pin, err := card.ParsePINBlock(cmd.Data[len(c.puk):])
		if err != nil {
			return card.Response{SW: card.SWWrongData}
		}
		newPIN = pin
	case card.ResetWithoutNewSecret:
		if len(cmd.Data) != len(c.puk) {
			return card.Response{SW: card.SWWrongLength}
		}
	default:
		return card.Response{SW: card.SWWrongParameters}
	}

	if c.pukRetries <= 0 {
		return card.Response{SW: card.SWPasswordBlocked}
	}
	if string(cmd.Data[:len(c.puk)]) != c.puk {
		c.pukRetries--
		if c.pukRetries == 0 {
			return card.Response{SW: card.SWPasswordBlocked}
		}
		return card.Response{SW: card.WarningCountStatus(c.pukRetries)}
	}

	c.pinRetries = MaxPINRetries
	if newPIN != "" {
		c.pin = newPIN
	}
	return card.Response{SW: card.SWSuccess}
}

func (c *VirtualHealthCard) readBinary(cmd card.Command) card.Response {
	if c.sm == nil {
		return card.Response{SW: card.SWSecurityStatusNotSatisfied}
	}
	var offset int
	if cmd.P1&0x80 != 0 {
		if cmd.P1&0x1F != card.CertificateShortFileID {
			return card.Response{SW: card.SWFileNotFound}
		}
		offset = int(cmd.P2)
	} else {
		offset = int(cmd.P1)<<8 | int(cmd.P2)
	}
	if offset >= len(c.certificate) {
		return card.Response{SW: card.SWEndOfFileReached}
	}
	end := min(offset+max(cmd.Le, 0), len(c.certificate))
	return card.Response{Data: c.certificate[offset:end], SW: card.SWSuccess}
}

func (c *VirtualHealthCard) sign(cmd card.Command) card.Response {
	if c.sm == nil || !c.pinVerified {
		return card.Response{SW: card.SWSecurityStatusNotSatisfied}
	}
	if len(cmd.Data) != 32 {
		return card.Response{SW: card.SWWrongLength}
	}
	sig, err := ecdsa.SignASN1(c.rand, c.authKey, cmd.Data)
	if err != nil {
		return card.Response{SW: card.SWMemoryFailure}
	}
	return card.Response{Data: sig, SW: card.SWSuccess}
}

func status(sw card.StatusWord) []byte {
	return card.Response{SW: sw}.Bytes()
}
