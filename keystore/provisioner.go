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
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
)

// DefaultCleanupTimeout bounds key deletion after the caller has gone away.
const DefaultCleanupTimeout = 2 * time.Second

// Config configures a Provisioner.
type Config struct {
	// Rand supplies alias bytes. Nil means crypto/rand.
	Rand           io.Reader
	Prompt         PromptConfig
	AuthValidity   time.Duration
	CleanupTimeout time.Duration
}

// DefaultConfig returns the default provisioning configuration.
func DefaultConfig() *Config {
	return &Config{
		AuthValidity:   DefaultAuthValidity,
		CleanupTimeout: DefaultCleanupTimeout,
		Prompt: PromptConfig{
			Title:                 "Pair this device",
			Subtitle:              "Confirm to bind a device key to your health card",
			NegativeButton:        "Cancel",
			AllowDeviceCredential: true,
		},
	}
}

// Provisioner generates biometric-gated device keys. Every key store
// mutation it performs is serialized.
type Provisioner struct {
	store  Store
	prompt Prompt
	config *Config
	mu     syncutil.Mutex
}

// NewProvisioner creates a provisioner. A nil config uses DefaultConfig.
func NewProvisioner(store Store, prompt Prompt, config *Config) *Provisioner {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}
	if config.AuthValidity <= 0 {
		config.AuthValidity = DefaultAuthValidity
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = DefaultCleanupTimeout
	}
	return &Provisioner{store: store, prompt: prompt, config: config}
}

// Store returns the underlying key store.
func (p *Provisioner) Store() Store {
	return p.store
}

// Provision creates a fresh signing key and asks the user to authorize it.
// Any outcome other than Initialized leaves no key behind, including
// cancellation of ctx while the prompt is showing.
func (p *Provisioner) Provision(ctx context.Context, useStrongBox bool) cardwall.SecureElementAuthResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	alias := make([]byte, AliasSize)
	if _, err := io.ReadFull(p.config.Rand, alias); err != nil {
		return cardwall.AuthResultError(fmt.Errorf("generate key alias: %w", err))
	}
	if err := p.store.DeleteKey(ctx, alias); err != nil {
		return cardwall.AuthResultError(err)
	}

	spec := KeySpec{
		Alias:                            alias,
		AuthValidity:                     p.config.AuthValidity,
		Purpose:                          PurposeSign,
		UserAuthRequired:                 true,
		InvalidatedByBiometricEnrollment: true,
		StrongBox:                        useStrongBox,
	}
	pub, err := p.generate(ctx, spec)
	if err != nil {
		p.cleanup(ctx, alias)
		return cardwall.AuthResultError(err)
	}

	if err := p.authorize(ctx); err != nil {
		cardwall.Debugf("provision: prompt did not succeed, deleting key: %v", err)
		p.cleanup(ctx, alias)
		return cardwall.AuthResultError(err)
	}
	return cardwall.AuthResultInitialized(alias, pub)
}

func (p *Provisioner) generate(ctx context.Context, spec KeySpec) (*ecdsa.PublicKey, error) {
	pub, err := p.store.GenerateKey(ctx, spec)
	if err == nil || !spec.StrongBox || ctx.Err() != nil {
		return pub, err
	}
	cardwall.Debugf("provision: StrongBox generation failed, retrying without: %v", err)
	metrics.RecordStrongBoxFallback()
	// A failed StrongBox attempt may still have registered the alias.
	if derr := p.store.DeleteKey(ctx, spec.Alias); derr != nil {
		return nil, derr
	}
	spec.StrongBox = false
	return p.store.GenerateKey(ctx, spec)
}

// authorize shows the prompt and returns nil only on success. The prompt
// runs on its own goroutine so a cancelled ctx returns immediately.
func (p *Provisioner) authorize(ctx context.Context) error {
	type outcome struct {
		err    error
		result PromptResult
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := p.prompt.Authenticate(ctx, p.config.Prompt)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out := <-done:
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case out.err != nil:
			return fmt.Errorf("%w: %w", ErrPromptError, out.err)
		case out.result == PromptSuccess:
			return nil
		case out.result == PromptCancelled:
			return ErrCancelled
		default:
			return ErrPromptError
		}
	}
}

// cleanup deletes alias even when ctx is already cancelled.
func (p *Provisioner) cleanup(ctx context.Context, alias []byte) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.CleanupTimeout)
	defer cancel()
	if err := p.store.DeleteKey(cctx, alias); err != nil {
		cardwall.Debugf("provision: failed to delete key: %v", err)
	}
}

// Authenticate proves possession of the key under alias by signing
// challenge. Nil challenge signs a random one.
func (p *Provisioner) Authenticate(ctx context.Context, alias, challenge []byte) cardwall.SecureElementAuthResult {
	if len(alias) == 0 {
		return cardwall.AuthResultError(fmt.Errorf("%w: empty alias", cardwall.ErrInvalidParameter))
	}
	if challenge == nil {
		challenge = make([]byte, 32)
		if _, err := io.ReadFull(p.config.Rand, challenge); err != nil {
			return cardwall.AuthResultError(err)
		}
	}
	if err := p.authorize(ctx); err != nil {
		return cardwall.AuthResultError(err)
	}
	digest := sha256.Sum256(challenge)
	if _, err := p.store.Sign(ctx, alias, digest[:]); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return cardwall.AuthResultError(fmt.Errorf("secure element login: %w", err))
		}
		return cardwall.AuthResultError(err)
	}
	return cardwall.AuthResultAuthenticated(alias)
}

// Discard deletes a key the caller no longer wants.
func (p *Provisioner) Discard(ctx context.Context, alias []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.CleanupTimeout)
	defer cancel()
	return p.store.DeleteKey(cctx, alias)
}
