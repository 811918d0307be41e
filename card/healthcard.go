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
	"errors"
	"fmt"
	"strings"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/samber/mo"
)

// Instruction bytes for secret handling and data access.
const (
	INSVerify                = 0x20
	INSChangeReferenceData   = 0x24
	INSResetRetryCounter     = 0x2C
	INSPerformSecurityOp     = 0x2A
	INSReadBinary            = 0xB0
	PasswordReferencePIN     = 0x81 // local PIN.CH
	ResetWithNewSecret       = 0x00
	ResetWithoutNewSecret    = 0x01
	CertificateShortFileID   = 0x01 // EF.C.CH.AUT
	PINBlockLength           = 8
	readChunkSize            = 0xDF
	maxCertificateLength     = 4096
	SWEndOfFileReached       = StatusWord(0x6282)
	signatureP1, signatureP2 = 0x9E, 0x9A
)

// ErrInvalidPINBlock is returned for a malformed format-2 PIN block.
var ErrInvalidPINBlock = errors.New("invalid PIN block")

// Session runs health card commands over one channel. After
// EstablishTrustedChannel every command travels through secure messaging.
type Session struct {
	ch          cardwall.Channel
	establisher TrustedChannelEstablisher
	sm          *SecureMessaging
}

// NewSession wraps ch. A nil establisher uses CANKeyAgreement.
func NewSession(ch cardwall.Channel, establisher TrustedChannelEstablisher) *Session {
	if establisher == nil {
		establisher = CANKeyAgreement{}
	}
	return &Session{ch: ch, establisher: establisher}
}

// Trusted reports whether secure messaging is active.
func (s *Session) Trusted() bool {
	return s.sm != nil
}

// Transmit sends cmd, protecting it when the trusted channel is up.
func (s *Session) Transmit(ctx context.Context, cmd Command) (Response, error) {
	if s.sm == nil {
		return s.transmitPlain(ctx, cmd)
	}
	env, err := s.sm.WrapCommand(cmd)
	if err != nil {
		return Response{}, err
	}
	resp, err := s.transmitPlain(ctx, env)
	if err != nil {
		return Response{}, err
	}
	return s.sm.UnwrapResponse(resp)
}

func (s *Session) transmitPlain(ctx context.Context, cmd Command) (Response, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return Response{}, err
	}
	cardwall.Debugf("card TX: %s", cardwall.FormatHex(raw))
	out, err := s.ch.Exchange(ctx, raw)
	if err != nil {
		return Response{}, err
	}
	cardwall.Debugf("card RX: %s", cardwall.FormatHex(out))
	resp, err := ParseResponse(out)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", cardwall.ErrInvalidResponse, err)
	}
	return resp, nil
}

// EstablishTrustedChannel runs the CAN key agreement.
func (s *Session) EstablishTrustedChannel(ctx context.Context, can string) error {
	if err := cardwall.ValidateCAN(can); err != nil {
		return err
	}
	sm, err := s.establisher.Establish(ctx, s, can)
	if err != nil {
		return err
	}
	s.sm = sm
	return nil
}

// VerifyPIN presents the PIN. A wrong PIN yields a *ResponseError with 63Cx.
func (s *Session) VerifyPIN(ctx context.Context, pin string) error {
	block, err := FormatPINBlock(pin)
	if err != nil {
		return err
	}
	return s.run(ctx, "VERIFY", NewCommand(CLAPlain, INSVerify, 0x00, PasswordReferencePIN, block))
}

// ChangeReferenceData replaces oldPIN with newPIN.
func (s *Session) ChangeReferenceData(ctx context.Context, oldPIN, newPIN string) error {
	oldBlock, err := FormatPINBlock(oldPIN)
	if err != nil {
		return err
	}
	newBlock, err := FormatPINBlock(newPIN)
	if err != nil {
		return err
	}
	data := append(oldBlock, newBlock...) //nolint:gocritic // fresh slices from FormatPINBlock
	return s.run(ctx, "CHANGE REFERENCE DATA",
		NewCommand(CLAPlain, INSChangeReferenceData, 0x00, PasswordReferencePIN, data))
}

// ResetRetryCounter unblocks the PIN with the PUK, optionally setting newPIN.
func (s *Session) ResetRetryCounter(ctx context.Context, puk string, newPIN mo.Option[string]) error {
	if err := cardwall.ValidatePUK(puk); err != nil {
		return err
	}
	data := []byte(puk)
	p1 := byte(ResetWithoutNewSecret)
	if pin, ok := newPIN.Get(); ok {
		block, err := FormatPINBlock(pin)
		if err != nil {
			return err
		}
		data = append(data, block...)
		p1 = ResetWithNewSecret
	}
	return s.run(ctx, "RESET RETRY COUNTER",
		NewCommand(CLAPlain, INSResetRetryCounter, p1, PasswordReferencePIN, data))
}

// ReadCertificate reads the authentication certificate in chunks.
func (s *Session) ReadCertificate(ctx context.Context) ([]byte, error) {
	var cert []byte
	for {
		var cmd Command
		if len(cert) == 0 {
			cmd = NewCommand(CLAPlain, INSReadBinary, 0x80|CertificateShortFileID, 0x00, nil)
		} else {
			offset := len(cert)
			cmd = NewCommand(CLAPlain, INSReadBinary, byte(offset>>8)&0x7F, byte(offset), nil)
		}
		resp, err := s.Transmit(ctx, cmd.WithLe(readChunkSize))
		if err != nil {
			return nil, err
		}
		if resp.SW != SWEndOfFileReached {
			if err := checkResponse("READ BINARY", resp); err != nil {
				return nil, err
			}
		}
		cert = append(cert, resp.Data...)
		if len(resp.Data) < readChunkSize || resp.SW == SWEndOfFileReached {
			return cert, nil
		}
		if len(cert) >= maxCertificateLength {
			return nil, fmt.Errorf("%w: certificate exceeds %d bytes", cardwall.ErrDataTooLarge, maxCertificateLength)
		}
	}
}

// Sign asks the card to sign a SHA-256 digest with its authentication key.
func (s *Session) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := s.Transmit(ctx,
		NewCommand(CLAPlain, INSPerformSecurityOp, signatureP1, signatureP2, digest).WithLe(MaxShortLe))
	if err != nil {
		return nil, err
	}
	if err := checkResponse("PSO COMPUTE DIGITAL SIGNATURE", resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (s *Session) run(ctx context.Context, name string, cmd Command) error {
	resp, err := s.Transmit(ctx, cmd)
	if err != nil {
		return err
	}
	return checkResponse(name, resp)
}

// FormatPINBlock encodes pin as an ISO 9564 format-2 block.
func FormatPINBlock(pin string) ([]byte, error) {
	if err := cardwall.ValidatePIN(pin); err != nil {
		return nil, err
	}
	block := []byte{0x20 | byte(len(pin)), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for i := range len(pin) {
		d := pin[i] - '0'
		idx := 1 + i/2
		if i%2 == 0 {
			block[idx] = d<<4 | 0x0F
		} else {
			block[idx] = block[idx]&0xF0 | d
		}
	}
	return block, nil
}

// ParsePINBlock decodes a format-2 block.
func ParsePINBlock(block []byte) (string, error) {
	if len(block) != PINBlockLength || block[0]&0xF0 != 0x20 {
		return "", ErrInvalidPINBlock
	}
	n := int(block[0] & 0x0F)
	if n < cardwall.MinPINLength || n > 14 {
		return "", ErrInvalidPINBlock
	}
	var sb strings.Builder
	for i := range n {
		b := block[1+i/2]
		d := b >> 4
		if i%2 == 1 {
			d = b & 0x0F
		}
		if d > 9 {
			return "", ErrInvalidPINBlock
		}
		_ = sb.WriteByte('0' + d)
	}
	return sb.String(), nil
}
