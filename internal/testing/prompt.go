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

package testing

import (
	"context"

	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/ZaparooProject/go-cardwall/keystore"
)

// ScriptedPrompt answers biometric prompts from a script. Once the script is
// used up it keeps answering with the last entry. A held prompt blocks until
// Release or until its context is cancelled.
type ScriptedPrompt struct {
	shown   chan keystore.PromptConfig
	release chan struct{}
	results []keystore.PromptResult
	calls   int
	mu      syncutil.Mutex
	hold    bool
}

// NewScriptedPrompt creates a prompt answering with results in order.
// Without results every prompt succeeds.
func NewScriptedPrompt(results ...keystore.PromptResult) *ScriptedPrompt {
	if len(results) == 0 {
		results = []keystore.PromptResult{keystore.PromptSuccess}
	}
	return &ScriptedPrompt{
		results: results,
		shown:   make(chan keystore.PromptConfig, 16),
		release: make(chan struct{}),
	}
}

// Hold makes later prompts wait for Release or cancellation.
func (p *ScriptedPrompt) Hold() *ScriptedPrompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = true
	return p
}

// Release lets every held prompt answer.
func (p *ScriptedPrompt) Release() {
	close(p.release)
}

// Shown delivers the config of every prompt as it is displayed.
func (p *ScriptedPrompt) Shown() <-chan keystore.PromptConfig {
	return p.shown
}

// Calls returns how many prompts were displayed.
func (p *ScriptedPrompt) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Authenticate implements keystore.Prompt.
func (p *ScriptedPrompt) Authenticate(
	ctx context.Context,
	config keystore.PromptConfig,
) (keystore.PromptResult, error) {
	p.mu.Lock()
	idx := min(p.calls, len(p.results)-1)
	result := p.results[idx]
	p.calls++
	hold := p.hold
	p.mu.Unlock()

	select {
	case p.shown <- config:
	default:
	}

	if hold {
		select {
		case <-ctx.Done():
			return keystore.PromptCancelled, nil
		case <-p.release:
		}
	}
	return result, nil
}
