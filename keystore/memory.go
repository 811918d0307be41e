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

package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

const backendMemory = "memory"

type memoryKey struct {
	priv *ecdsa.PrivateKey
	spec KeySpec
}

// MemoryStore keeps keys in process memory. It stands in for a platform
// secure element in tests and in the simulator.
type MemoryStore struct {
	keys          map[string]memoryKey
	strongBoxErr  error
	generateErr   error
	mu            syncutil.RWMutex
	strongBox     bool
	generateCalls int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithStrongBox sets whether StrongBox generation succeeds.
func WithStrongBox(available bool) MemoryOption {
	return func(m *MemoryStore) { m.strongBox = available }
}

// WithStrongBoxError makes StrongBox generation fail with err.
func WithStrongBoxError(err error) MemoryOption {
	return func(m *MemoryStore) {
		m.strongBox = true
		m.strongBoxErr = err
	}
}

// WithGenerateError makes every generation fail with err.
func WithGenerateError(err error) MemoryOption {
	return func(m *MemoryStore) { m.generateErr = err }
}

// NewMemoryStore creates an empty store. StrongBox is unavailable unless
// WithStrongBox(true) is given.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{keys: make(map[string]memoryKey)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateKey implements Store.
func (m *MemoryStore) GenerateKey(_ context.Context, spec KeySpec) (pub *ecdsa.PublicKey, err error) {
	defer func() { metrics.RecordKeystore(backendMemory, "generate", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++

	if m.generateErr != nil {
		return nil, m.generateErr
	}
	if spec.StrongBox {
		if !m.strongBox {
			return nil, cardwall.ErrStrongBoxUnavailable
		}
		if m.strongBoxErr != nil {
			return nil, m.strongBoxErr
		}
	}
	if _, ok := m.keys[string(spec.Alias)]; ok {
		return nil, ErrKeyExists
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	m.keys[string(spec.Alias)] = memoryKey{priv: priv, spec: spec}
	return &priv.PublicKey, nil
}

// DeleteKey implements Store.
func (m *MemoryStore) DeleteKey(_ context.Context, alias []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, string(alias))
	metrics.RecordKeystore(backendMemory, "delete", nil)
	return nil
}

// HasAlias implements Store.
func (m *MemoryStore) HasAlias(_ context.Context, alias []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[string(alias)]
	return ok, nil
}

// Sign implements Store.
func (m *MemoryStore) Sign(_ context.Context, alias, digest []byte) ([]byte, error) {
	m.mu.RLock()
	key, ok := m.keys[string(alias)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	sig, err := ecdsa.SignASN1(rand.Reader, key.priv, digest)
	metrics.RecordKeystore(backendMemory, "sign", err)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Spec returns the spec a key was generated with.
func (m *MemoryStore) Spec(alias []byte) (KeySpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[string(alias)]
	return key.spec, ok
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// GenerateCalls returns how many times GenerateKey was called.
func (m *MemoryStore) GenerateCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generateCalls
}
