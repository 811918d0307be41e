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

package session

import (
	"context"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/protocol"
)

// UnlockController runs one unlock method against cards presented to a Hub.
type UnlockController struct {
	*controller
	unlock *protocol.Unlock
	method cardwall.UnlockMethod
}

// NewUnlockController creates a controller for method. A nil config uses
// DefaultConfig.
func NewUnlockController(hub *Hub, method cardwall.UnlockMethod, config *Config) *UnlockController {
	u := &UnlockController{
		unlock: protocol.NewUnlock(nil),
		method: method,
	}
	u.controller = newController("unlock", hub, config, u.newFlow)
	return u
}

// Method returns the unlock method this controller runs.
func (u *UnlockController) Method() cardwall.UnlockMethod {
	return u.method
}

// Start begins a run with the credentials submitted so far. It is a no-op
// while a run is in progress and fails when a required credential is missing.
func (u *UnlockController) Start(ctx context.Context) error {
	return u.start(ctx, u.newFlow())
}

func (u *UnlockController) newFlow() flow {
	return &unlockFlow{unlock: u.unlock, method: u.method}
}

type unlockFlow struct {
	noPrepare
	unlock *protocol.Unlock
	method cardwall.UnlockMethod
}

func (*unlockFlow) name() string { return "unlock" }

func (f *unlockFlow) required() []cardwall.CredentialField {
	return f.method.RequiredFields()
}

func (f *unlockFlow) run(
	ctx context.Context,
	ch cardwall.Channel,
	creds cardwall.Credentials,
	emit protocol.Emit,
) (cardwall.ProtocolState, []TokenExchange, error) {
	state, err := f.unlock.Run(ctx, ch, protocol.UnlockRequest{Credentials: creds, Method: f.method}, emit)
	return state, nil, err
}

func (f *unlockFlow) fieldToReenter(state cardwall.ProtocolState) (cardwall.CredentialField, bool) {
	return f.method.FieldToReenter(state)
}
