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
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/session"
)

// controllerHandle is the part of a session controller the commands drive.
type controllerHandle interface {
	Run(ctx context.Context) error
	SubmitCredential(ctx context.Context, field cardwall.CredentialField, value string) error
	Observe() (<-chan cardwall.ProtocolState, func())
	TroubleshootingSuggested() bool
	SetOnHardwareDisabled(callback func(error))
}

// credential is one value to submit before the run starts. Empty values are
// skipped so the controller reports what is missing.
type credential struct {
	value string
	field cardwall.CredentialField
}

// runError is returned when a run ends in anything but Finished.
type runError struct {
	State           cardwall.ProtocolState
	Troubleshooting bool
}

func (e *runError) Error() string {
	if e.Troubleshooting {
		return fmt.Sprintf("run ended in %s; check that the card lies flat on the reader", e.State)
	}
	return "run ended in " + e.State.String()
}

// job is one command's run.
type job struct {
	hub   *session.Hub
	ctrl  controllerHandle
	start func(context.Context) error
	// tokens, when set, receives the run's token exchanges. A finished run
	// waits for at least one.
	tokens <-chan session.TokenExchange
	creds  []credential
	// card is false for runs that never touch the card.
	card bool
}

// tokenGrace is how long drive keeps listening for further token exchanges
// after the first one arrived.
const tokenGrace = 200 * time.Millisecond

// drive runs the hub and the controller, submits the credentials, starts the
// run and prints every state until it ends. CommunicationInterrupted is not
// an end: the controller restarts as soon as the card is back.
func drive(ctx context.Context, out io.Writer, r *reader, j job) error {
	hub, ctrl := j.hub, j.ctrl
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	disabled := make(chan error, 1)
	ctrl.SetOnHardwareDisabled(func(err error) {
		select {
		case disabled <- err:
		default:
		}
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = ctrl.Run(ctx)
	}()

	states, unsubscribe := ctrl.Observe()
	defer unsubscribe()

	for _, c := range j.creds {
		if c.value == "" {
			continue
		}
		if err := ctrl.SubmitCredential(ctx, c.field, c.value); err != nil {
			return fmt.Errorf("%s: %w", c.field, err)
		}
	}
	if err := j.start(ctx); err != nil {
		return err
	}
	if j.card {
		_, _ = fmt.Fprintln(out, "Hold the health card on the reader...")
		r.present()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-disabled:
			_, _ = fmt.Fprintf(out, "Reader stopped working (%v), reconnecting...\n", err)
			if rerr := r.recover(ctx); rerr != nil {
				return fmt.Errorf("reader stopped working: %w", rerr)
			}
			hub.Restart()
			_, _ = fmt.Fprintln(out, "Reader is back.")
		case state, ok := <-states:
			if !ok {
				return errors.New("controller stopped")
			}
			_, _ = fmt.Fprintf(out, "state: %s\n", state)
			switch {
			case state.IsInterrupted():
				_, _ = fmt.Fprintln(out, "Connection to the card was lost, hold it on the reader again.")
			case state.Kind == cardwall.StateFinished:
				return awaitTokens(ctx, out, j.tokens)
			case state.IsTerminal():
				return &runError{State: state, Troubleshooting: ctrl.TroubleshootingSuggested()}
			}
		}
	}
}

// withRunTimeout bounds a command by the configured timeout, if any.
func withRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if current == nil || current.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, current.Timeout)
}

// awaitTokens prints the token exchanges of a finished run. They are
// delivered after Finished is published.
func awaitTokens(ctx context.Context, out io.Writer, tokens <-chan session.TokenExchange) error {
	if tokens == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for token exchange: %w", ctx.Err())
	case ex := <-tokens:
		printExchange(out, ex)
	}
	for {
		select {
		case ex := <-tokens:
			printExchange(out, ex)
		case <-time.After(tokenGrace):
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
