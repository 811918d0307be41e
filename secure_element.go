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
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
)

// SecureElementResultKind identifies a SecureElementAuthResult variant.
type SecureElementResultKind int

const (
	SecureElementError SecureElementResultKind = iota
	SecureElementAuthenticated
	SecureElementInitialized
)

// SecureElementAuthResult is the outcome of provisioning or using a device
// key. Alias and PublicKey are set for Initialized; Alias for Authenticated;
// Err for Error. Callers persist alias and key themselves.
type SecureElementAuthResult struct {
	Err       error
	PublicKey *ecdsa.PublicKey
	Alias     []byte
	Kind      SecureElementResultKind
}

// AuthResultError wraps a provisioning or authentication failure.
func AuthResultError(err error) SecureElementAuthResult {
	return SecureElementAuthResult{Kind: SecureElementError, Err: err}
}

// AuthResultAuthenticated reports that the key under alias signed successfully.
func AuthResultAuthenticated(alias []byte) SecureElementAuthResult {
	return SecureElementAuthResult{Kind: SecureElementAuthenticated, Alias: alias}
}

// AuthResultInitialized reports a freshly provisioned key.
func AuthResultInitialized(alias []byte, pub *ecdsa.PublicKey) SecureElementAuthResult {
	return SecureElementAuthResult{Kind: SecureElementInitialized, Alias: alias, PublicKey: pub}
}

// Match calls the handler for the variant r holds and returns its result.
func Match[T any](
	r SecureElementAuthResult,
	onError func(error) T,
	onAuthenticated func(alias []byte) T,
	onInitialized func(alias []byte, pub *ecdsa.PublicKey) T,
) T {
	switch r.Kind {
	case SecureElementAuthenticated:
		return onAuthenticated(r.Alias)
	case SecureElementInitialized:
		return onInitialized(r.Alias, r.PublicKey)
	default:
		return onError(r.Err)
	}
}

func (r SecureElementAuthResult) String() string {
	return Match(r,
		func(err error) string { return fmt.Sprintf("Error(%v)", err) },
		func(alias []byte) string { return "Authenticated(" + shortAlias(alias) + ")" },
		func(alias []byte, _ *ecdsa.PublicKey) string { return "Initialized(" + shortAlias(alias) + ")" },
	)
}

func shortAlias(alias []byte) string {
	if len(alias) > 4 {
		alias = alias[:4]
	}
	return hex.EncodeToString(alias) + "…"
}
