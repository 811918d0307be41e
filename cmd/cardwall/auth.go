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

package main

import (
	"bufio"
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/keystore"
	"github.com/ZaparooProject/go-cardwall/protocol"
	"github.com/ZaparooProject/go-cardwall/session"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with the health card",
		RunE:  runLogin,
	}
	addLoginFlags(cmd)
	cmd.Flags().String("challenge", "", "hex challenge for the card to sign")
	return cmd
}

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Bind a new device key to the health card",
		RunE:  runPair,
	}
	addLoginFlags(cmd)
	return cmd
}

func newSecureElementLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "se-login",
		Short: "Log in with a paired device key",
		RunE:  runSecureElementLogin,
	}
	cmd.Flags().String("alias", "", "hex alias printed by pair")
	return cmd
}

func addLoginFlags(cmd *cobra.Command) {
	cmd.Flags().String("can", "", "card access number printed on the card")
	cmd.Flags().String("pin", "", "PIN")
}

func loginCredentials() []credential {
	return []credential{
		{field: cardwall.FieldCAN, value: v.GetString("can")},
		{field: cardwall.FieldPIN, value: v.GetString("pin")},
	}
}

func hexFlag(name string) ([]byte, error) {
	raw := v.GetString(name)
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: --%s: %w", cardwall.ErrInvalidParameter, name, err)
	}
	return b, nil
}

// stdinPrompt asks on the terminal in place of a biometric prompt.
func stdinPrompt(in io.Reader, out io.Writer) keystore.PromptFunc {
	lines := bufio.NewReader(in)
	return func(ctx context.Context, config keystore.PromptConfig) (keystore.PromptResult, error) {
		_, _ = fmt.Fprintf(out, "%s\n%s\nConfirm? [y/N] ", config.Title, config.Subtitle)

		answer := make(chan string, 1)
		errc := make(chan error, 1)
		go func() {
			line, err := lines.ReadString('\n')
			if err != nil && line == "" {
				errc <- err
				return
			}
			answer <- strings.TrimSpace(strings.ToLower(line))
		}()

		select {
		case <-ctx.Done():
			return keystore.PromptCancelled, ctx.Err()
		case err := <-errc:
			return keystore.PromptFailed, fmt.Errorf("read confirmation: %w", err)
		case a := <-answer:
			if a == "y" || a == "yes" {
				return keystore.PromptSuccess, nil
			}
			return keystore.PromptCancelled, nil
		}
	}
}

func printExchange(out io.Writer, ex session.TokenExchange) {
	_, _ = fmt.Fprintf(out, "token exchange: %s (run %s)\n", ex.Kind, ex.RunID)
	if len(ex.Certificate) > 0 {
		if cert, err := x509.ParseCertificate(ex.Certificate); err == nil {
			_, _ = fmt.Fprintf(out, "  certificate: %s\n", cert.Subject)
		} else {
			_, _ = fmt.Fprintf(out, "  certificate: %d bytes\n", len(ex.Certificate))
		}
	}
	if len(ex.Signature) > 0 {
		_, _ = fmt.Fprintf(out, "  signature: %x\n", ex.Signature)
	}
	if len(ex.Alias) > 0 {
		_, _ = fmt.Fprintf(out, "  alias: %x\n", ex.Alias)
	}
	if len(ex.Payload) > 0 {
		if p, err := protocol.UnmarshalPairingPayload(ex.Payload); err == nil {
			_, _ = fmt.Fprintf(out, "  pairing payload v%d, card signature %d bytes\n", p.Version, len(p.CardSignature))
		}
	}
}

// authRig is an auth controller with the reader and key store behind it.
type authRig struct {
	ctrl   *session.AuthController
	hub    *session.Hub
	r      *reader
	store  *keystore.BoltStore
	tokens chan session.TokenExchange
}

func (a *authRig) Close() {
	_ = a.store.Close()
	_ = a.r.Close()
}

func newAuth(ctx context.Context, cmd *cobra.Command) (*authRig, error) {
	r, err := openReader(ctx, current)
	if err != nil {
		return nil, err
	}

	store, err := keystore.OpenBoltStore(current.Store)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	prompt := stdinPrompt(cmd.InOrStdin(), cmd.ErrOrStderr())
	provisioner := keystore.NewProvisioner(store, prompt, nil)
	hub := session.NewHub(r.device, nil)
	ctrl := session.NewAuthController(hub, provisioner, session.Capabilities{
		AttestedKeyGeneration: true,
		StrongBox:             current.StrongBox,
	}, nil)

	tokens := make(chan session.TokenExchange, 4)
	ctrl.SetOnTokenExchange(func(ex session.TokenExchange) {
		select {
		case tokens <- ex:
		default:
			cardwall.Debugf("dropping token exchange %s for run %s", ex.Kind, ex.RunID)
		}
	})

	return &authRig{ctrl: ctrl, hub: hub, r: r, store: store, tokens: tokens}, nil
}

func runAuth(
	cmd *cobra.Command,
	creds []credential,
	card bool,
	start func(*session.AuthController) func(context.Context) error,
) error {
	ctx, cancel := withRunTimeout(cmd.Context())
	defer cancel()

	rig, err := newAuth(ctx, cmd)
	if err != nil {
		return err
	}
	defer rig.Close()

	return drive(ctx, cmd.OutOrStdout(), rig.r, job{
		hub:    rig.hub,
		ctrl:   rig.ctrl,
		start:  start(rig.ctrl),
		tokens: rig.tokens,
		creds:  creds,
		card:   card,
	})
}

func runLogin(cmd *cobra.Command, _ []string) error {
	challenge, err := hexFlag("challenge")
	if err != nil {
		return err
	}
	return runAuth(cmd, loginCredentials(), true, func(a *session.AuthController) func(context.Context) error {
		return func(ctx context.Context) error { return a.StartLogin(ctx, challenge) }
	})
}

func runPair(cmd *cobra.Command, _ []string) error {
	return runAuth(cmd, loginCredentials(), true, func(a *session.AuthController) func(context.Context) error {
		return a.StartPairing
	})
}

func runSecureElementLogin(cmd *cobra.Command, _ []string) error {
	alias, err := hexFlag("alias")
	if err != nil {
		return err
	}
	if len(alias) == 0 {
		return fmt.Errorf("%w: --alias is required", cardwall.ErrMissingCredential)
	}
	return runAuth(cmd, nil, false, func(a *session.AuthController) func(context.Context) error {
		return func(ctx context.Context) error { return a.StartSecureElementLogin(ctx, alias) }
	})
}
