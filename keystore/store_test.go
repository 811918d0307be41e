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
	"crypto/sha256"
	"path/filepath"
	"testing"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestStore_DeleteThenHasAlias(t *testing.T) {
	t.Parallel()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			alias := []byte("alias-delete-then-has")

			_, err := store.GenerateKey(ctx, KeySpec{Alias: alias, Purpose: PurposeSign})
			require.NoError(t, err)

			has, err := store.HasAlias(ctx, alias)
			require.NoError(t, err)
			assert.True(t, has)

			require.NoError(t, store.DeleteKey(ctx, alias))
			has, err = store.HasAlias(ctx, alias)
			require.NoError(t, err)
			assert.False(t, has)

			// Deleting again is fine.
			require.NoError(t, store.DeleteKey(ctx, alias))
		})
	}
}

func TestStore_SignVerifies(t *testing.T) {
	t.Parallel()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			alias := []byte("alias-sign")

			pub, err := store.GenerateKey(ctx, KeySpec{Alias: alias, Purpose: PurposeSign})
			require.NoError(t, err)

			digest := sha256.Sum256([]byte("message"))
			sig, err := store.Sign(ctx, alias, digest[:])
			require.NoError(t, err)
			assert.True(t, ecdsa.VerifyASN1(pub, digest[:], sig))

			_, err = store.Sign(ctx, []byte("missing"), digest[:])
			require.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestStore_DuplicateAlias(t *testing.T) {
	t.Parallel()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			spec := KeySpec{Alias: []byte("dup"), Purpose: PurposeSign}

			_, err := store.GenerateKey(ctx, spec)
			require.NoError(t, err)
			_, err = store.GenerateKey(ctx, spec)
			require.ErrorIs(t, err, ErrKeyExists)
		})
	}
}

func TestStore_StrongBoxUnavailable(t *testing.T) {
	t.Parallel()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := store.GenerateKey(context.Background(),
				KeySpec{Alias: []byte("sb"), Purpose: PurposeSign, StrongBox: true})
			require.ErrorIs(t, err, cardwall.ErrStrongBoxUnavailable)
		})
	}
}

func TestBoltStore_Persists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys.db")
	ctx := context.Background()
	alias := []byte("persisted")

	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	pub, err := store.GenerateKey(ctx, KeySpec{Alias: alias, Purpose: PurposeSign, AuthValidity: DefaultAuthValidity})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	has, err := store.HasAlias(ctx, alias)
	require.NoError(t, err)
	assert.True(t, has)

	digest := sha256.Sum256([]byte("after reopen"))
	sig, err := store.Sign(ctx, alias, digest[:])
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(pub, digest[:], sig))
}
