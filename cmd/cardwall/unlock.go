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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/session"
)

var unlockMethods = map[string]cardwall.UnlockMethod{
	"change":    cardwall.ChangeReferenceData,
	"reset":     cardwall.ResetRetryCounter,
	"reset-new": cardwall.ResetRetryCounterWithNewSecret,
}

// parseMethod accepts the short names above and the method names themselves.
func parseMethod(s string) (cardwall.UnlockMethod, error) {
	if m, ok := unlockMethods[strings.ToLower(s)]; ok {
		return m, nil
	}
	for _, m := range unlockMethods {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unlock method %q", cardwall.ErrInvalidParameter, s)
}

func newUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Change the PIN or reset its retry counter",
		Long: `Unlock runs one of three card operations:

  change     replace the PIN (needs --can, --old, --new)
  reset      unblock the PIN with the PUK (needs --can, --puk)
  reset-new  set a new PIN with the PUK (needs --can, --puk, --new)`,
		RunE: runUnlock,
	}
	flags := cmd.Flags()
	flags.String("method", "change", "unlock method: change, reset or reset-new")
	flags.String("can", "", "card access number printed on the card")
	flags.String("old", "", "current PIN")
	flags.String("new", "", "new PIN")
	flags.String("puk", "", "PUK")
	return cmd
}

func unlockCredentials(method cardwall.UnlockMethod) []credential {
	values := map[cardwall.CredentialField]string{
		cardwall.FieldCAN:       v.GetString("can"),
		cardwall.FieldOldSecret: v.GetString("old"),
		cardwall.FieldNewSecret: v.GetString("new"),
		cardwall.FieldPUK:       v.GetString("puk"),
	}
	creds := make([]credential, 0, len(values))
	for _, field := range method.RequiredFields() {
		creds = append(creds, credential{field: field, value: values[field]})
	}
	return creds
}

func runUnlock(cmd *cobra.Command, _ []string) error {
	method, err := parseMethod(v.GetString("method"))
	if err != nil {
		return err
	}

	ctx, cancel := withRunTimeout(cmd.Context())
	defer cancel()

	r, err := openReader(ctx, current)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	hub := session.NewHub(r.device, nil)
	ctrl := session.NewUnlockController(hub, method, nil)
	out := cmd.OutOrStdout()
	err = drive(ctx, out, r, job{
		hub:   hub,
		ctrl:  ctrl,
		start: ctrl.Start,
		creds: unlockCredentials(method),
		card:  true,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s finished.\n", method)
	return nil
}
