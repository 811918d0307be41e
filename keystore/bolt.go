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
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	backendBolt      = "bolt"
	boltOpenTimeout  = 5 * time.Second
	boltRecordFormat = 1
)

var keysBucket = []byte("keys")

// keyRecord is the CBOR layout of one stored key.
type keyRecord struct {
	CreatedAt        time.Time `cbor:"1,keyasint"`
	PrivateKey       []byte    `cbor:"2,keyasint"` // SEC 1 DER
	AuthValiditySecs int64     `cbor:"3,keyasint"`
	Format           int       `cbor:"4,keyasint"`
	Purpose          Purpose   `cbor:"5,keyasint"`
	UserAuthRequired bool      `cbor:"6,keyasint"`
	InvalidatedByBio bool      `cbor:"7,keyasint"`
}

// BoltStore is a software key store persisted in a bbolt file. It has no
// StrongBox; such requests fail with cardwall.ErrStrongBoxUnavailable and
// the provisioner falls back.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the key database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open key database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize key database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close key database: %w", err)
	}
	return nil
}

// GenerateKey implements Store.
func (b *BoltStore) GenerateKey(_ context.Context, spec KeySpec) (pub *ecdsa.PublicKey, err error) {
	defer func() { metrics.RecordKeystore(backendBolt, "generate", err) }()

	if spec.StrongBox {
		return nil, cardwall.ErrStrongBoxUnavailable
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	rec, err := cbor.Marshal(keyRecord{
		Format:           boltRecordFormat,
		CreatedAt:        time.Now().UTC(),
		PrivateKey:       der,
		AuthValiditySecs: int64(spec.AuthValidity / time.Second),
		Purpose:          spec.Purpose,
		UserAuthRequired: spec.UserAuthRequired,
		InvalidatedByBio: spec.InvalidatedByBiometricEnrollment,
	})
	if err != nil {
		return nil, fmt.Errorf("encode key record: %w", err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if bucket.Get(spec.Alias) != nil {
			return ErrKeyExists
		}
		return bucket.Put(spec.Alias, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}
	return &priv.PublicKey, nil
}

// DeleteKey implements Store.
func (b *BoltStore) DeleteKey(_ context.Context, alias []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Delete(alias)
	})
	metrics.RecordKeystore(backendBolt, "delete", err)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// HasAlias implements Store.
func (b *BoltStore) HasAlias(_ context.Context, alias []byte) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(keysBucket).Get(alias) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("look up key: %w", err)
	}
	return found, nil
}

// Sign implements Store.
func (b *BoltStore) Sign(_ context.Context, alias, digest []byte) (sig []byte, err error) {
	defer func() { metrics.RecordKeystore(backendBolt, "sign", err) }()

	rec, err := b.load(alias)
	if err != nil {
		return nil, err
	}
	if rec.Purpose != PurposeSign {
		return nil, fmt.Errorf("%w: key purpose is %s", cardwall.ErrCapabilityUnavailable, rec.Purpose)
	}
	priv, err := x509.ParseECPrivateKey(rec.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return ecdsa.SignASN1(rand.Reader, priv, digest)
}

func (b *BoltStore) load(alias []byte) (keyRecord, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(keysBucket).Get(alias); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return keyRecord{}, fmt.Errorf("load key: %w", err)
	}
	if raw == nil {
		return keyRecord{}, ErrKeyNotFound
	}
	var rec keyRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return keyRecord{}, fmt.Errorf("decode key record: %w", err)
	}
	if rec.Format != boltRecordFormat {
		return keyRecord{}, errors.New("unsupported key record format")
	}
	return rec, nil
}
