// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/syncengine/lib/clock"
	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

// ErrClosed is returned by operations on a closed Processor.
var ErrClosed = errors.New("syncer: processor closed")

// errEncryptionDisabled marks encrypted events received without a
// crypto subsystem.
var errEncryptionDisabled = errors.New("encryption not enabled")

// Crypto is the end-to-end encryption subsystem as the processor
// drives it. The processor calls it only from its worker goroutine.
type Crypto interface {
	// OnSyncCompleted runs after every delta, including nil and
	// catch-up deltas, before the processor considers starting the
	// subsystem.
	OnSyncCompleted(ctx context.Context, delta *messaging.SyncResponse, from string, catchingUp bool)

	// Start brings the subsystem up. initialSync reports whether the
	// deltas applied so far began from an empty store.
	Start(ctx context.Context, initialSync bool) error

	IsStarted() bool
	IsStarting() bool

	// Decrypt returns the clear event of an m.room.encrypted event.
	Decrypt(ctx context.Context, event *messaging.Event) (*messaging.Event, error)
}

// DeltaSource fetches sync deltas. messaging.DirectSession
// implements it.
type DeltaSource interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
}

// Config holds the parameters for creating a Processor.
type Config struct {
	// Store is the room repository. Required.
	Store *roomstore.Store

	// UserID is the local account. Required.
	UserID ref.UserID

	// Rules evaluates live events for bing notifications and receives
	// m.push_rules account data. Optional.
	Rules *pushrule.Engine

	// Crypto decrypts events and is started after the first deltas.
	// Optional; without it encrypted events are delivered with a
	// decryption error.
	Crypto Crypto

	// Source is used by RetrieveDepartedRooms. Optional.
	Source DeltaSource

	// RetainDepartedRooms keeps rooms the user leaves in the Departed
	// partition instead of deleting them.
	RetainDepartedRooms bool

	// Clock stamps presence updates. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer receives the processor's metrics. Nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

type processorState int

const (
	stateCreated processorState = iota
	stateOpened
	stateClosed
)

type queuedJob struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Processor applies sync deltas to the room store on one worker
// goroutine and publishes the resulting notifications to observers on
// a separate dispatch goroutine.
type Processor struct {
	store   *roomstore.Store
	rules   *pushrule.Engine
	crypto  Crypto
	source  DeltaSource
	self    ref.UserID
	clock   clock.Clock
	logger  *slog.Logger
	metrics *processorMetrics
	tracer  trace.Tracer
	bus     *bus

	// ctx is handed to worker jobs and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            processorState
	queue            []queuedJob
	unsubscribeRules func()
	wake             chan struct{}
	done             chan struct{}

	// deferredInitialCrypto is owned by the worker goroutine.
	deferredInitialCrypto bool

	cacheMu    sync.RWMutex
	ignored    []ref.UserID
	direct     map[ref.UserID][]ref.RoomID
	retain     bool
	retrieving bool

	departedMu   sync.Mutex
	departedCall *departedCall
}

// New creates a Processor. Call Open before applying deltas; deltas
// applied earlier wait in the queue.
func New(config Config) (*Processor, error) {
	if config.Store == nil {
		return nil, errors.New("syncer: Store is required")
	}
	if config.UserID.IsZero() {
		return nil, errors.New("syncer: UserID is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	metrics := newProcessorMetrics(config.Registerer)
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:   config.Store,
		rules:   config.Rules,
		crypto:  config.Crypto,
		source:  config.Source,
		self:    config.UserID,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/bureau-foundation/syncengine/syncer"),
		bus:     newBus(logger, metrics),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		retain:  config.RetainDepartedRooms,
	}, nil
}

// Open loads the cached account data from the store, starts the
// worker and publishes OnStoreReady. When the store holds a stream
// token, the initial sync is considered done and late subscribers
// receive OnInitialSyncComplete with that token.
func (p *Processor) Open(ctx context.Context) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	switch state {
	case stateClosed:
		return ErrClosed
	case stateOpened:
		return errors.New("syncer: processor already open")
	}

	if err := p.hydrate(ctx); err != nil {
		return err
	}
	token, err := p.store.StreamToken(ctx)
	if err != nil {
		return fmt.Errorf("syncer: reading stream token: %w", err)
	}
	if token != "" {
		p.bus.markInitialDone(token)
	}

	var unsubscribe func()
	if p.rules != nil {
		unsubscribe = p.rules.Subscribe(func(rules pushrule.Set) {
			p.bus.publish("OnRuleSetUpdate", func(ctx context.Context, observer Observer) error {
				return observer.OnRuleSetUpdate(ctx, rules)
			})
		})
	}

	p.mu.Lock()
	if p.state != stateCreated {
		p.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return ErrClosed
	}
	p.state = stateOpened
	p.unsubscribeRules = unsubscribe
	p.mu.Unlock()

	go p.loop()
	p.logger.Info("sync processor open", "user_id", p.self, "resumed", token != "")
	p.bus.publish("OnStoreReady", func(ctx context.Context, observer Observer) error {
		return observer.OnStoreReady(ctx)
	})
	return nil
}

// Close drops queued deltas, stops the worker after the delta in
// progress, removes every observer and stops the dispatcher without
// running pending notifications. Close does not wait for the worker;
// use Done for that. Later calls to Apply are ignored.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}
	started := p.state == stateOpened
	p.state = stateClosed
	dropped := p.queue
	p.queue = nil
	unsubscribe := p.unsubscribeRules
	p.unsubscribeRules = nil
	p.mu.Unlock()

	for _, job := range dropped {
		close(job.done)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	p.cancel()
	p.bus.close()
	if !started {
		close(p.done)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	if len(dropped) > 0 {
		p.logger.Debug("sync processor closed with queued work", "dropped", len(dropped))
	}
}

func (p *Processor) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateClosed
}

// Done is closed when the worker goroutine has exited after Close.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Subscribe registers observer. When the initial sync is already
// done, observer receives OnInitialSyncComplete right away.
func (p *Processor) Subscribe(observer Observer) *Subscription {
	return p.bus.subscribe(observer)
}

// Apply queues delta for application and returns a channel that is
// closed once it has been applied, or dropped by Close. from is the
// token the delta was requested with, "" for the initial sync.
// catchingUp marks deltas replayed at startup rather than received
// live.
//
// The processor takes ownership of delta: events are annotated in
// place and handed to observers.
func (p *Processor) Apply(delta *messaging.SyncResponse, from string, catchingUp bool) <-chan struct{} {
	done := make(chan struct{})
	if !p.enqueue(func(ctx context.Context) { p.applyDelta(ctx, delta, from, catchingUp) }, done) {
		p.logger.Debug("ignoring sync delta after close", "from", from)
		close(done)
	}
	return done
}

// Flush waits until every delta queued before the call has been
// applied and its notifications delivered.
func (p *Processor) Flush(ctx context.Context) error {
	if err := p.runOnWorker(ctx, func(context.Context) error { return nil }); err != nil {
		return err
	}
	if err := p.bus.dispatcher.Flush(ctx); err != nil {
		return fmt.Errorf("syncer: flushing notifications: %w", err)
	}
	return nil
}

func (p *Processor) enqueue(run func(ctx context.Context), done chan struct{}) bool {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, queuedJob{run: run, done: done})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// runOnWorker runs fn on the worker goroutine after the work already
// queued, and waits for its result.
func (p *Processor) runOnWorker(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	done := make(chan struct{})
	ran := false
	if !p.enqueue(func(ctx context.Context) {
		ran = true
		err = fn(ctx)
	}, done) {
		return ErrClosed
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !ran {
		return ErrClosed
	}
	return err
}

func (p *Processor) loop() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if p.state == stateClosed {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			<-p.wake
			continue
		}
		job := p.queue[0]
		p.queue[0] = queuedJob{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		job.run(p.ctx)
		close(job.done)
	}
}

// applyDelta runs the phases of one delta in their fixed order.
func (p *Processor) applyDelta(ctx context.Context, delta *messaging.SyncResponse, from string, catchingUp bool) {
	started := p.clock.Now()
	initial := from == ""
	ctx, span := p.tracer.Start(ctx, "syncer.apply", trace.WithAttributes(
		attribute.String("sync.from", from),
		attribute.Bool("sync.initial", initial),
		attribute.Bool("sync.catching_up", catchingUp),
	))
	defer span.End()

	if delta == nil {
		p.logger.Warn("applying nil sync delta", "from", from)
		p.finishDelta(ctx, span, nil, from, from, initial, catchingUp, true)
		p.metrics.applied("nil", p.clock.Now().Sub(started))
		return
	}
	span.SetAttributes(
		attribute.String("sync.next_batch", delta.NextBatch),
		attribute.Int("sync.rooms.join", len(delta.Rooms.Join)),
		attribute.Int("sync.rooms.invite", len(delta.Rooms.Invite)),
		attribute.Int("sync.rooms.leave", len(delta.Rooms.Leave)),
		attribute.Int("sync.to_device", len(delta.ToDevice.Events)),
	)

	p.applyToDevice(ctx, delta.ToDevice.Events)
	span.AddEvent("to_device")

	var failed error
	failed = errors.Join(failed, p.applyJoined(ctx, delta.Rooms.Join, initial))
	span.AddEvent("joined")
	failed = errors.Join(failed, p.applyInvited(ctx, delta.Rooms.Invite, delta.Rooms.Leave, initial))
	span.AddEvent("invited")
	failed = errors.Join(failed, p.applyLeft(ctx, delta.Rooms.Leave, delta.Rooms.Invite, initial))
	span.AddEvent("left")

	p.applyPresence(ctx, delta.Presence.Events)
	span.AddEvent("presence")
	p.applyAccountData(ctx, delta.AccountData.Events, initial)
	span.AddEvent("account_data")

	empty := len(delta.Rooms.Join) == 0 && len(delta.Rooms.Invite) == 0 && len(delta.Rooms.Leave) == 0
	if failed != nil {
		span.RecordError(failed)
		span.SetStatus(codes.Error, "room updates failed")
		p.logger.Error("sync delta applied with room failures, stream token not advanced",
			"from", from,
			"next_batch", delta.NextBatch,
			"error", failed,
		)
	} else if !empty && delta.NextBatch != "" {
		if err := p.store.SetStreamToken(ctx, delta.NextBatch); err != nil {
			span.RecordError(err)
			p.logger.Error("committing stream token failed", "next_batch", delta.NextBatch, "error", err)
		}
	}

	p.finishDelta(ctx, span, delta, from, delta.NextBatch, initial, catchingUp, empty)

	kind := "live"
	switch {
	case initial:
		kind = "initial"
	case catchingUp:
		kind = "catchup"
	}
	p.metrics.applied(kind, p.clock.Now().Sub(started))
	p.logger.Debug("sync delta applied",
		"kind", kind,
		"from", from,
		"next_batch", delta.NextBatch,
		"joined", len(delta.Rooms.Join),
		"invited", len(delta.Rooms.Invite),
		"left", len(delta.Rooms.Leave),
	)
}

// finishDelta runs the crypto hook and publishes the completion
// notification of a delta.
func (p *Processor) finishDelta(ctx context.Context, span trace.Span, delta *messaging.SyncResponse, from, next string, initial, catchingUp, empty bool) {
	if p.crypto != nil {
		p.crypto.OnSyncCompleted(ctx, delta, from, catchingUp)
	}
	switch {
	case initial && !catchingUp:
		p.startCrypto(ctx, true)
	case initial:
		// A synthetic empty catch-up must not start crypto as if a
		// real initial sync had been applied.
		p.deferredInitialCrypto = !empty
	case !catchingUp:
		p.startCrypto(ctx, p.deferredInitialCrypto)
	}
	span.AddEvent("crypto")

	if initial {
		p.bus.publishInitialSyncComplete(next)
		return
	}
	p.bus.publish("OnLiveEventsChunkProcessed", func(ctx context.Context, observer Observer) error {
		return observer.OnLiveEventsChunkProcessed(ctx, from, next)
	})
}

func (p *Processor) startCrypto(ctx context.Context, initialSync bool) {
	if p.crypto == nil || p.crypto.IsStarted() || p.crypto.IsStarting() {
		return
	}
	if err := p.crypto.Start(ctx, initialSync); err != nil {
		p.logger.Error("starting crypto failed", "initial_sync", initialSync, "error", err)
		return
	}
	p.logger.Info("crypto started", "initial_sync", initialSync)
	p.bus.publish("OnCryptoSyncComplete", func(ctx context.Context, observer Observer) error {
		return observer.OnCryptoSyncComplete(ctx)
	})
}

// applyToDevice decrypts and publishes to-device events one at a
// time. A failure marks the event and does not affect the others.
func (p *Processor) applyToDevice(ctx context.Context, events []messaging.Event) {
	for i := range events {
		event := &events[i]
		if event.Type == ref.EventTypeEncrypted && !p.decrypt(ctx, event) {
			p.metrics.undecryptableToDevice()
			p.logger.Warn("undecryptable to-device event",
				"sender", event.Sender,
				"error", event.DecryptionError,
			)
		}
		p.bus.publish("OnToDeviceEvent", func(ctx context.Context, observer Observer) error {
			return observer.OnToDeviceEvent(ctx, event)
		})
	}
}

// decrypt sets event.Decrypted or event.DecryptionError.
func (p *Processor) decrypt(ctx context.Context, event *messaging.Event) bool {
	if p.crypto == nil {
		event.DecryptionError = errEncryptionDisabled.Error()
		return false
	}
	plain, err := p.crypto.Decrypt(ctx, event)
	if err != nil {
		event.DecryptionError = err.Error()
		return false
	}
	if plain == nil {
		event.DecryptionError = "decryption produced no event"
		return false
	}
	event.Decrypted = plain
	event.DecryptionError = ""
	return true
}

// NotifyEventEncrypted publishes OnEventEncrypted for an event the
// send path has just encrypted.
func (p *Processor) NotifyEventEncrypted(event *messaging.Event) {
	p.bus.publish("OnEventEncrypted", func(ctx context.Context, observer Observer) error {
		return observer.OnEventEncrypted(ctx, event)
	})
}

// NotifySentEvent publishes OnSentEvent for an event the server
// accepted.
func (p *Processor) NotifySentEvent(event *messaging.Event) {
	p.bus.publish("OnSentEvent", func(ctx context.Context, observer Observer) error {
		return observer.OnSentEvent(ctx, event)
	})
}

// NotifyFailedSendingEvent publishes OnFailedSendingEvent for an
// event that could not be sent.
func (p *Processor) NotifyFailedSendingEvent(event *messaging.Event) {
	p.bus.publish("OnFailedSendingEvent", func(ctx context.Context, observer Observer) error {
		return observer.OnFailedSendingEvent(ctx, event)
	})
}
