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

package cardwall

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/samber/mo"
)

// Credential length limits for the health card.
const (
	CANLength       = 6
	PUKLength       = 8
	MinPINLength    = 6
	MaxPINLength    = 8
	MinSecretLength = MinPINLength
	MaxSecretLength = MaxPINLength
)

// CredentialField names one user-entered secret.
type CredentialField int

const (
	FieldCAN CredentialField = iota
	FieldPIN
	FieldPUK
	FieldOldSecret
	FieldNewSecret
)

func (f CredentialField) String() string {
	switch f {
	case FieldCAN:
		return "CAN"
	case FieldPIN:
		return "PIN"
	case FieldPUK:
		return "PUK"
	case FieldOldSecret:
		return "old secret"
	case FieldNewSecret:
		return "new secret"
	default:
		return fmt.Sprintf("CredentialField(%d)", int(f))
	}
}

// UnlockMethod selects the unlock branch and the credentials it needs.
type UnlockMethod int

const (
	// ChangeReferenceData replaces a known PIN with a new one.
	ChangeReferenceData UnlockMethod = iota
	// ResetRetryCounterWithNewSecret uses the PUK to set a brand-new PIN.
	ResetRetryCounterWithNewSecret
	// ResetRetryCounter uses the PUK to unblock the current PIN.
	ResetRetryCounter
)

func (m UnlockMethod) String() string {
	switch m {
	case ChangeReferenceData:
		return "ChangeReferenceData"
	case ResetRetryCounterWithNewSecret:
		return "ResetRetryCounterWithNewSecret"
	case ResetRetryCounter:
		return "ResetRetryCounter"
	default:
		return fmt.Sprintf("UnlockMethod(%d)", int(m))
	}
}

// RequiredFields lists the credentials the method needs.
func (m UnlockMethod) RequiredFields() []CredentialField {
	switch m {
	case ChangeReferenceData:
		return []CredentialField{FieldCAN, FieldOldSecret, FieldNewSecret}
	case ResetRetryCounterWithNewSecret:
		return []CredentialField{FieldCAN, FieldPUK, FieldNewSecret}
	case ResetRetryCounter:
		return []CredentialField{FieldCAN, FieldPUK}
	default:
		return nil
	}
}

// FieldToReenter returns the credential an unlock failure invalidates.
func (m UnlockMethod) FieldToReenter(state ProtocolState) (CredentialField, bool) {
	switch state.Kind {
	case StateCardAccessNumberWrong:
		return FieldCAN, true
	case StatePinRetriesLeft:
		if m == ChangeReferenceData {
			return FieldOldSecret, true
		}
		return FieldPIN, true
	case StatePukRetriesLeft:
		return FieldPUK, true
	default:
		return 0, false
	}
}

// LoginFieldToReenter returns the credential a login or pairing failure invalidates.
func LoginFieldToReenter(state ProtocolState) (CredentialField, bool) {
	switch state.Kind {
	case StateCardAccessNumberWrong:
		return FieldCAN, true
	case StatePinRetriesLeft:
		return FieldPIN, true
	default:
		return 0, false
	}
}

// LoginFields lists the credentials a health card login needs.
var LoginFields = []CredentialField{FieldCAN, FieldPIN}

// Credentials is the set of secrets collected for one run. Values are only
// stored after passing ValidateField.
type Credentials struct {
	CAN       mo.Option[string]
	PIN       mo.Option[string]
	PUK       mo.Option[string]
	OldSecret mo.Option[string]
	NewSecret mo.Option[string]
}

// Get returns the value of field, if present.
func (c Credentials) Get(field CredentialField) mo.Option[string] {
	switch field {
	case FieldCAN:
		return c.CAN
	case FieldPIN:
		return c.PIN
	case FieldPUK:
		return c.PUK
	case FieldOldSecret:
		return c.OldSecret
	case FieldNewSecret:
		return c.NewSecret
	default:
		return mo.None[string]()
	}
}

// With validates value and returns a copy of c holding it.
func (c Credentials) With(field CredentialField, value string) (Credentials, error) {
	if err := ValidateField(field, value); err != nil {
		return c, err
	}
	c.set(field, mo.Some(value))
	return c, nil
}

// Without returns a copy of c with field cleared.
func (c Credentials) Without(field CredentialField) Credentials {
	c.set(field, mo.None[string]())
	return c
}

func (c *Credentials) set(field CredentialField, value mo.Option[string]) {
	switch field {
	case FieldCAN:
		c.CAN = value
	case FieldPIN:
		c.PIN = value
	case FieldPUK:
		c.PUK = value
	case FieldOldSecret:
		c.OldSecret = value
	case FieldNewSecret:
		c.NewSecret = value
	}
}

// Require checks that every field is present and well formed.
func (c Credentials) Require(fields ...CredentialField) error {
	for _, field := range fields {
		value, ok := c.Get(field).Get()
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingCredential, field)
		}
		if err := ValidateField(field, value); err != nil {
			return err
		}
	}
	return nil
}

// String lists the fields that are set without revealing their values.
func (c Credentials) String() string {
	all := []CredentialField{FieldCAN, FieldPIN, FieldPUK, FieldOldSecret, FieldNewSecret}
	present := lo.Filter(all, func(f CredentialField, _ int) bool {
		return c.Get(f).IsPresent()
	})
	names := lo.Map(present, func(f CredentialField, _ int) string { return f.String() })
	return "Credentials{" + strings.Join(names, ", ") + "}"
}

// ValidateField checks length and charset of a single credential.
func ValidateField(field CredentialField, value string) error {
	switch field {
	case FieldCAN:
		return ValidateCAN(value)
	case FieldPIN:
		return ValidatePIN(value)
	case FieldPUK:
		return ValidatePUK(value)
	case FieldOldSecret, FieldNewSecret:
		return ValidateSecret(value)
	default:
		return fmt.Errorf("%w: unknown credential field %d", ErrInvalidParameter, int(field))
	}
}

// ValidateCAN accepts exactly six digits.
func ValidateCAN(can string) error {
	if len(can) != CANLength || !isDigits(can) {
		return ErrInvalidCAN
	}
	return nil
}

// ValidatePIN accepts six to eight digits.
func ValidatePIN(pin string) error {
	if !inRange(len(pin), MinPINLength, MaxPINLength) || !isDigits(pin) {
		return ErrInvalidPIN
	}
	return nil
}

// ValidatePUK accepts exactly eight digits.
func ValidatePUK(puk string) error {
	if len(puk) != PUKLength || !isDigits(puk) {
		return ErrInvalidPUK
	}
	return nil
}

// ValidateSecret accepts six to eight digits.
func ValidateSecret(secret string) error {
	if !inRange(len(secret), MinSecretLength, MaxSecretLength) || !isDigits(secret) {
		return ErrInvalidSecret
	}
	return nil
}

func inRange(n, low, high int) bool {
	return n >= low && n <= high
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
