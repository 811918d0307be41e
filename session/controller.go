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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// ErrControllerRunning is returned when Run is called twice concurrently.
var ErrControllerRunning = errors.New("session controller already running")

type updateKind int

const (
	updateState updateKind = iota
	updatePrepared
	updateDone
)

// update is a message from a run goroutine to the actor. gen identifies the
// run that sent it.
type update struct {
	err    error
	final  mo.Option[cardwall.ProtocolState]
	tokens []TokenExchange
	state  cardwall.ProtocolState
	gen    uint64
	kind   updateKind
}

type requestKind int

const (
	requestStart requestKind = iota
	requestCancel
	requestCredential
	requestTag
)

type request struct {
	flow  flow
	reply chan error
	value string
	tag   cardwall.Tag
	kind  requestKind
	field cardwall.CredentialField
}

// task is one goroutine working for the current run.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	owner  string // gate owner, empty when the task never touches the card
}

// controller is the actor behind UnlockController and AuthController.
// Fields in the first block are only touched by the Run goroutine.
type controller struct {
	// actor state
	ctx         context.Context
	flow        flow
	active      *task
	unsubscribe func()
	tags        <-chan cardwall.TagEvent
	pending     mo.Option[cardwall.Tag]
	startedAt   time.Time
	runID       string
	creds       cardwall.Credentials
	gen         uint64
	ready       bool

	hub         *Hub
	config      *Config
	defaultFlow func() flow
	requests    chan request
	updates     chan update

	onHardwareDisabled func(error)
	onTokenExchange    func(TokenExchange)
	observers          map[uint64]*mailbox[cardwall.ProtocolState]
	name               string
	id                 string // unique per controller, names it at the gate
	state              cardwall.ProtocolState
	nextObserver       uint64
	errorCount         atomic.Int32
	running            atomic.Bool
	mu                 syncutil.RWMutex
	callbackMu         syncutil.Mutex
}

func newController(name string, hub *Hub, config *Config, defaultFlow func() flow) *controller {
	return &controller{
		name:        name,
		id:          uuid.NewString(),
		hub:         hub,
		config:      config.withDefaults(),
		defaultFlow: defaultFlow,
		requests:    make(chan request),
		updates:     make(chan update),
		observers:   make(map[uint64]*mailbox[cardwall.ProtocolState]),
		state:       cardwall.Idle,
	}
}

// Run processes commands, card detections and protocol progress until ctx
// is done. Every other method needs Run to be active.
func (c *controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrControllerRunning
	}
	defer c.running.Store(false)

	c.ctx = ctx
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.requests:
			req.reply <- c.handleRequest(req)
		case u := <-c.updates:
			c.handleUpdate(u)
		case ev, ok := <-c.tags:
			if !ok {
				c.tags = nil
				continue
			}
			c.handleTagEvent(ev)
		}
	}
}

// Submit feeds a command to the controller. Start(UserInitiated) starts the
// controller's default flow.
func (c *controller) Submit(ctx context.Context, cmd cardwall.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch {
	case cmd.Kind == cardwall.CommandCancel:
		return c.Cancel(ctx)
	case cmd.IsUserStart():
		return c.start(ctx, c.defaultFlow())
	default:
		return c.send(ctx, request{kind: requestTag, tag: cmd.Tag})
	}
}

// Cancel stops the active run, releases the card channel and publishes Idle.
// Entered credentials are forgotten.
func (c *controller) Cancel(ctx context.Context) error {
	return c.send(ctx, request{kind: requestCancel})
}

// SubmitCredential validates and stores one credential for the next run.
func (c *controller) SubmitCredential(ctx context.Context, field cardwall.CredentialField, value string) error {
	if err := cardwall.ValidateField(field, value); err != nil {
		return err
	}
	return c.send(ctx, request{kind: requestCredential, field: field, value: value})
}

// Observe returns every state the controller publishes from now on, starting
// with the current one. A slow observer never holds up the controller.
func (c *controller) Observe() (states <-chan cardwall.ProtocolState, unsubscribe func()) {
	mb := newMailbox[cardwall.ProtocolState]()

	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = mb
	mb.put(c.state)
	c.mu.Unlock()

	return mb.out, func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
		mb.close()
	}
}

// State returns the last published state.
func (c *controller) State() cardwall.ProtocolState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ErrorCount returns how many runs since the last user start ended in
// CommunicationInterrupted.
func (c *controller) ErrorCount() int {
	return int(c.errorCount.Load())
}

// TroubleshootingSuggested reports whether the user should be offered help
// with card positioning or the reader.
func (c *controller) TroubleshootingSuggested() bool {
	return c.ErrorCount() > c.config.TroubleshootingThreshold && !c.State().IsInProgress()
}

// SetOnHardwareDisabled sets the callback for a reader that was switched off
// or went away. Detection resumes after Hub.Restart. The callback runs on the
// controller goroutine and must not call back into the controller.
func (c *controller) SetOnHardwareDisabled(callback func(error)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onHardwareDisabled = callback
}

// SetOnTokenExchange sets the callback receiving token exchange requests.
// It is called from Run once the run's Finished state has been published,
// and must not block.
func (c *controller) SetOnTokenExchange(callback func(TokenExchange)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onTokenExchange = callback
}

func (c *controller) start(ctx context.Context, f flow) error {
	return c.send(ctx, request{kind: requestStart, flow: f})
}

func (c *controller) send(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *controller) handleRequest(req request) error {
	switch req.kind {
	case requestStart:
		return c.handleStart(req.flow)
	case requestCancel:
		c.handleCancel()
		return nil
	case requestCredential:
		creds, err := c.creds.With(req.field, req.value)
		if err != nil {
			return err
		}
		c.creds = creds
		return nil
	case requestTag:
		c.handleTag(req.tag)
		return nil
	default:
		return fmt.Errorf("%w: request %d", cardwall.ErrInvalidCommand, int(req.kind))
	}
}

func (c *controller) handleStart(f flow) error {
	if state := c.State(); state.IsInProgress() {
		cardwall.Debugf("session %s: start ignored, run %s is %s", c.name, c.runID, state)
		return nil
	}
	if err := c.creds.Require(f.required()...); err != nil {
		return fmt.Errorf("start %s: %w", f.name(), err)
	}

	c.stopActive()
	c.abortFlow()

	c.flow = f
	c.errorCount.Store(0)
	c.ready = false
	c.beginRun()
	c.launchPrepare()
	return nil
}

func (c *controller) handleCancel() {
	wasRunning := c.State().IsInProgress()
	c.stopActive()
	c.abortFlow()
	c.unsubscribeTags()

	c.gen++
	c.flow = nil
	c.ready = false
	c.pending = mo.None[cardwall.Tag]()
	c.creds = cardwall.Credentials{}

	if wasRunning {
		metrics.RecordRun(c.name, "Cancelled", time.Since(c.startedAt))
	}
	cardwall.Debugf("session %s: run %s cancelled", c.name, c.runID)
	c.publish(cardwall.Idle)
}

// beginRun starts a new generation. Anything still in flight from the
// previous one is dropped when it arrives.
func (c *controller) beginRun() {
	c.gen++
	c.runID = uuid.NewString()
	c.startedAt = time.Now()
	c.pending = mo.None[cardwall.Tag]()
	if c.tags == nil {
		c.tags, c.unsubscribe = c.hub.stream.Subscribe()
	}
	cardwall.Debugf("session %s: run %s started (%s)", c.name, c.runID, c.flow.name())
	c.publish(cardwall.FlowInitialized)
}

func (c *controller) handleUpdate(u update) {
	if u.gen != c.gen {
		c.dropUpdate(u)
		return
	}

	switch u.kind {
	case updateState:
		c.publish(u.state)
		if u.state.IsTerminal() {
			c.endRun(u.state)
		}
	case updatePrepared:
		c.active = nil
		c.handlePrepared(u)
	case updateDone:
		c.active = nil
		c.deliver(c.runID, u.tokens)
		c.drainPending()
	}
}

func (c *controller) dropUpdate(u update) {
	metrics.RecordStaleUpdate(c.name)
	cardwall.Debugf("session %s: dropping update from superseded generation %d", c.name, u.gen)
}

func (c *controller) handlePrepared(u update) {
	if u.err != nil {
		cardwall.Debugf("session %s: preparing run %s failed: %v", c.name, c.runID, u.err)
		u.final = mo.Some(cardwall.SecureElementFailure)
	}
	if final, ok := u.final.Get(); ok {
		c.publish(final)
		c.endRun(final)
		c.deliver(c.runID, u.tokens)
		return
	}
	c.ready = true
	c.drainPending()
}

func (c *controller) endRun(state cardwall.ProtocolState) {
	metrics.RecordRun(c.name, state.Kind.String(), time.Since(c.startedAt))
	if state.IsInterrupted() {
		n := c.errorCount.Add(1)
		cardwall.Debugf("session %s: run %s interrupted (%d so far)", c.name, c.runID, n)
	}
	switch {
	case state == cardwall.Finished:
		c.creds = cardwall.Credentials{}
	case c.flow != nil:
		if field, ok := c.flow.fieldToReenter(state); ok {
			c.creds = c.creds.Without(field)
		}
	}
	if !state.AcceptsCardDetection() {
		c.unsubscribeTags()
	}
}

func (c *controller) handleTagEvent(ev cardwall.TagEvent) {
	if ev.Err != nil {
		cardwall.Debugf("session %s: reader disabled: %v", c.name, ev.Err)
		c.callbackMu.Lock()
		callback := c.onHardwareDisabled
		c.callbackMu.Unlock()
		if callback != nil {
			if err := safeCall(callback, ev.Err, "hardware disabled"); err != nil {
				cardwall.Debugf("session %s: %v", c.name, err)
			}
		}
		return
	}
	c.handleTag(ev.Tag)
}

func (c *controller) handleTag(tag cardwall.Tag) {
	state := c.State()
	switch {
	case c.flow == nil || state == cardwall.Idle:
		cardwall.Debugf("session %s: tag %s ignored, no run", c.name, tag.ID)
	case !state.AcceptsCardDetection():
		cardwall.Debugf("session %s: tag %s ignored in %s", c.name, tag.ID, state)
	case !c.ready:
		c.pending = mo.Some(tag)
	case c.active != nil:
		// Only a detection during the hold-off after an interruption is
		// remembered. Others are the card that is being talked to.
		if state.IsInterrupted() {
			c.pending = mo.Some(tag)
		}
	case state.IsInterrupted():
		c.gen++
		c.runID = uuid.NewString()
		c.startedAt = time.Now()
		cardwall.Debugf("session %s: restarting as run %s on tag %s", c.name, c.runID, tag.ID)
		c.publish(cardwall.FlowInitialized)
		c.launchCard(tag)
	case state == cardwall.FlowInitialized:
		c.launchCard(tag)
	default:
		cardwall.Debugf("session %s: tag %s ignored in %s", c.name, tag.ID, state)
	}
}

func (c *controller) drainPending() {
	tag, ok := c.pending.Get()
	if !ok {
		return
	}
	c.pending = mo.None[cardwall.Tag]()
	c.handleTag(tag)
}

func (c *controller) launchPrepare() {
	ctx, cancel := context.WithCancel(c.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	c.active = t

	life, gen, f := c.ctx, c.gen, c.flow
	go func() {
		defer close(t.done)
		defer cancel()
		final, tokens, err := f.prepare(ctx)
		c.post(life, update{gen: gen, kind: updatePrepared, final: final, tokens: tokens, err: err})
	}()
}

func (c *controller) launchCard(tag cardwall.Tag) {
	owner := fmt.Sprintf("%s/%s#%d", c.name, c.id, c.gen)
	if !c.hub.gate.TryAcquire(owner) {
		cardwall.Debugf("session %s: tag %s ignored, channel held by %s",
			c.name, tag.ID, c.hub.gate.Holder())
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	t := &task{cancel: cancel, done: make(chan struct{}), owner: owner}
	c.active = t

	life, gen, f, runID, creds := c.ctx, c.gen, c.flow, c.runID, c.creds
	go func() {
		defer close(t.done)
		defer cancel()
		emit := func(s cardwall.ProtocolState) {
			c.post(life, update{gen: gen, kind: updateState, state: s})
		}

		state, tokens := c.runCard(ctx, f, runID, creds, tag, emit)
		c.hub.gate.Release(owner)
		if state.IsInterrupted() {
			_ = cardwall.SleepContext(ctx, c.config.RetryDelay)
		}
		c.post(life, update{gen: gen, kind: updateDone, tokens: tokens})
	}()
}

func (c *controller) runCard(
	ctx context.Context,
	f flow,
	runID string,
	creds cardwall.Credentials,
	tag cardwall.Tag,
	emit func(cardwall.ProtocolState),
) (cardwall.ProtocolState, []TokenExchange) {
	ch, err := cardwall.OpenChannel(ctx, c.hub.opener, tag, c.config.ChannelTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return cardwall.Idle, nil
		}
		cardwall.Debugf("session %s: open channel to %s: %v", c.name, tag.ID, err)
		emit(cardwall.CommunicationInterrupted)
		return cardwall.CommunicationInterrupted, nil
	}
	ch = cardwall.WithExchangeTimeout(ch, c.config.ExchangeTimeout, tag.Reader)
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			cardwall.Debugf("session %s: close channel: %v", c.name, cerr)
		}
	}()

	state, tokens, err := f.run(ctx, ch, creds, emit)
	if err != nil {
		if !cardwall.IsCancellation(err) {
			cardwall.Debugf("session %s: run %s failed: %v", c.name, runID, err)
		}
		return state, nil
	}
	return state, tokens
}

// stopActive cancels the running task and waits for it within CancelTimeout,
// settling whatever it still posts. A task that does not stop in time is
// abandoned and its channel lock freed; its later updates carry a superseded
// generation.
func (c *controller) stopActive() {
	t := c.active
	if t == nil {
		return
	}
	c.active = nil
	t.cancel()

	timer := time.NewTimer(c.config.CancelTimeout)
	defer timer.Stop()
	for {
		select {
		case <-t.done:
			return
		case u := <-c.updates:
			c.settle(u)
		case <-timer.C:
			cardwall.Debugf("session %s: run %s did not stop within %v", c.name, c.runID, c.config.CancelTimeout)
			if t.owner != "" {
				c.hub.gate.Release(t.owner)
			}
			return
		}
	}
}

// settle takes an update from a task being stopped. Tokens of a run whose
// Finished is already published are still delivered; the rest is dropped.
func (c *controller) settle(u update) {
	if u.gen == c.gen && u.kind == updateDone && c.State() == cardwall.Finished {
		c.deliver(c.runID, u.tokens)
		return
	}
	c.dropUpdate(u)
}

func (c *controller) abortFlow() {
	if c.flow == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.config.CancelTimeout)
	defer cancel()
	c.flow.abort(ctx)
}

func (c *controller) unsubscribeTags() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.unsubscribe = nil
	c.tags = nil
}

func (c *controller) shutdown() {
	c.stopActive()
	c.abortFlow()
	c.unsubscribeTags()
	c.gen++
	c.flow = nil
	c.ready = false
	c.pending = mo.None[cardwall.Tag]()
	c.creds = cardwall.Credentials{}
	c.publish(cardwall.Idle)
}

// post hands u to the actor. ctx is the controller's lifetime, not the
// task's: a cancelled task still reports, and the generation check decides.
func (c *controller) post(ctx context.Context, u update) {
	select {
	case c.updates <- u:
	case <-ctx.Done():
	}
}

func (c *controller) publish(state cardwall.ProtocolState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	for _, mb := range c.observers {
		mb.put(state)
	}
	metrics.RecordState(c.name, state.Kind.String())
}

func (c *controller) deliver(runID string, tokens []TokenExchange) {
	if len(tokens) == 0 {
		return
	}
	c.callbackMu.Lock()
	callback := c.onTokenExchange
	c.callbackMu.Unlock()
	if callback == nil {
		cardwall.Debugf("session %s: no token exchange callback for run %s", c.name, runID)
		return
	}
	for _, token := range tokens {
		token.RunID = runID
		if err := safeCall(callback, token, "token exchange"); err != nil {
			cardwall.Debugf("session %s: %v", c.name, err)
		}
	}
}

// safeCall runs a callback, turning a panic into an error.
func safeCall[T any](callback func(T), arg T, callbackName string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s callback panicked: %v", callbackName, r)
		}
	}()
	callback(arg)
	return nil
}
