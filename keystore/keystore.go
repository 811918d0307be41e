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

// Package keystore provisions biometric-gated device keys that bind a
// secure element to a health card identity.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"time"
)

// DefaultAuthValidity is how long one biometric unlock authorizes key use.
const DefaultAuthValidity = 15 * time.Minute

// AliasSize is the length of a generated key alias.
const AliasSize = 32

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key alias already in use")
	ErrPromptError = errors.New("biometric prompt failed")
	ErrCancelled   = errors.New("biometric prompt cancelled")
)

// Purpose restricts what a key may be used for.
type Purpose int

const (
	PurposeSign Purpose = iota + 1
)

func (p Purpose) String() string {
	if p == PurposeSign {
		return "sign"
	}
	return "unknown"
}

// KeySpec describes the key a Store should generate. Keys are always
// ECDSA over secp256r1.
type KeySpec struct {
	Alias                            []byte
	AuthValidity                     time.Duration
	Purpose                          Purpose
	UserAuthRequired                 bool
	InvalidatedByBiometricEnrollment bool
	StrongBox                        bool
}

// Store is the secure key storage capability.
type Store interface {
	// GenerateKey creates a P-256 signing key under spec.Alias. A store that
	// cannot honour spec.StrongBox returns an error, usually wrapping
	// cardwall.ErrStrongBoxUnavailable.
	GenerateKey(ctx context.Context, spec KeySpec) (*ecdsa.PublicKey, error)
	// DeleteKey removes alias. Deleting a missing alias is not an error.
	DeleteKey(ctx context.Context, alias []byte) error
	HasAlias(ctx context.Context, alias []byte) (bool, error)
	// Sign signs a digest with the key under alias (ASN.1 ECDSA signature).
	Sign(ctx context.Context, alias, digest []byte) ([]byte, error)
}

// PromptResult is the outcome of a biometric prompt.
type PromptResult int

const (
	PromptSuccess PromptResult = iota
	PromptCancelled
	PromptFailed
)

func (r PromptResult) String() string {
	switch r {
	case PromptSuccess:
		return "success"
	case PromptCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// PromptConfig is passed through to the biometric prompt.
type PromptConfig struct {
	Title                 string
	Subtitle              string
	NegativeButton        string
	AllowDeviceCredential bool
}

// Prompt is the biometric or device-credential capability.
type Prompt interface {
	Authenticate(ctx context.Context, config PromptConfig) (PromptResult, error)
}

// PromptFunc adapts a function to Prompt.
type PromptFunc func(ctx context.Context, config PromptConfig) (PromptResult, error)

// Authenticate calls f.
func (f PromptFunc) Authenticate(ctx context.Context, config PromptConfig) (PromptResult, error) {
	return f(ctx, config)
}
