// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/syncengine/lib/netutil"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

// ErrNotLoaded is returned by mutations attempted before the rule set
// has been loaded or replaced for the first time.
var ErrNotLoaded = errors.New("pushrule: rule set not loaded")

// RuleClient is the server side of the rule set.
// messaging.DirectSession implements it.
type RuleClient interface {
	GetPushRules(ctx context.Context) (*messaging.PushRulesResponse, error)
	SetPushRuleEnabled(ctx context.Context, kind, ruleID string, enabled bool) error
	PutPushRule(ctx context.Context, kind string, rule messaging.PushRule, before string) error
	DeletePushRule(ctx context.Context, kind, ruleID string) error
}

// Config holds the parameters for creating an Engine.
type Config struct {
	// Client persists mutations and fetches the rule set. Required
	// for Load and the mutation methods; Evaluate works without it.
	Client RuleClient

	// UserID is the local account. Events it sent never match, and
	// its localpart drives the contains_user_name rule.
	UserID ref.UserID

	// Environment answers room membership questions for the
	// contains_display_name and room_member_count conditions. When
	// nil those conditions never hold.
	Environment Environment

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Registerer receives the engine's metrics. Nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Engine owns one account's rule set. All methods are safe for
// concurrent use.
type Engine struct {
	client  RuleClient
	self    ref.UserID
	logger  *slog.Logger
	metrics *engineMetrics
	tracer  trace.Tracer
	matcher matcher

	mu     sync.RWMutex
	rules  Set
	loaded bool

	// mutateMu serializes write-through mutations so that the
	// server and the local set see them in the same order.
	mutateMu sync.Mutex

	mentionMu    sync.Mutex
	mentionCache map[ref.RoomID]bool

	listenersMu  sync.Mutex
	listeners    map[uint64]func(Set)
	nextListener uint64

	retryMu      sync.Mutex
	pendingRetry func(context.Context) error
}

// Event types that are never evaluated.
var skippedEventTypes = map[ref.EventType]bool{
	ref.EventTypePresence:  true,
	ref.EventTypeTyping:    true,
	ref.EventTypeRedaction: true,
	ref.EventTypeReceipt:   true,
	ref.EventTypeTag:       true,
}

// NewEngine creates an engine with an empty, unloaded rule set.
func NewEngine(config Config) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	patterns := NewPatternCache()
	return &Engine{
		client:  config.Client,
		self:    config.UserID,
		logger:  logger,
		metrics: newEngineMetrics(config.Registerer),
		tracer:  otel.Tracer("github.com/bureau-foundation/syncengine/lib/pushrule"),
		matcher: matcher{
			self:        config.UserID,
			patterns:    patterns,
			environment: config.Environment,
		},
		mentionCache: make(map[ref.RoomID]bool),
		listeners:    make(map[uint64]func(Set)),
	}
}

// Patterns returns the engine's pattern cache.
func (e *Engine) Patterns() *PatternCache {
	return e.matcher.patterns
}

// IsReady reports whether a rule set has been loaded.
func (e *Engine) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

// Rules returns a copy of the current rule set.
func (e *Engine) Rules() Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.clone()
}

// Load fetches the rule set from the server and replaces the local
// one. onLoaded, when non-nil, runs after a successful replacement.
//
// When the fetch fails for a reason a reconnect could cure (a
// transport error or a server-side failure), Load records a retry
// that the next ConnectivityChanged(ctx, true) runs. Only the most
// recent failure's retry is kept, and any call to Load discards the
// retry recorded before it.
func (e *Engine) Load(ctx context.Context, onLoaded func()) error {
	if e.client == nil {
		return errors.New("pushrule: no rule client configured")
	}
	// A new attempt supersedes any retry left by an earlier failure.
	e.setPendingRetry(nil)
	response, err := e.client.GetPushRules(ctx)
	if err != nil {
		if netutil.IsTransient(err) || messaging.IsServerError(err) {
			e.setPendingRetry(func(ctx context.Context) error {
				return e.Load(ctx, onLoaded)
			})
			e.logger.Warn("loading push rules failed, will retry on reconnect", "error", err)
		}
		return fmt.Errorf("pushrule: loading rules: %w", err)
	}
	e.Replace(SetFromWire(response.Global))
	e.logger.Debug("push rules loaded", "rules", e.Rules().Len())
	if onLoaded != nil {
		onLoaded()
	}
	return nil
}

func (e *Engine) setPendingRetry(retry func(context.Context) error) {
	e.retryMu.Lock()
	e.pendingRetry = retry
	e.retryMu.Unlock()
}

// ConnectivityChanged tells the engine whether the network is
// reachable. On a transition to connected it runs the pending retry,
// if any. The retry is consumed before it runs, so it executes at
// most once per reconnect; a retry that fails again reschedules
// itself.
func (e *Engine) ConnectivityChanged(ctx context.Context, connected bool) error {
	if !connected {
		return nil
	}
	e.retryMu.Lock()
	retry := e.pendingRetry
	e.pendingRetry = nil
	e.retryMu.Unlock()
	if retry == nil {
		return nil
	}
	e.logger.Info("retrying push rule load after reconnect")
	return retry(ctx)
}

// HasPendingRetry reports whether a failed load is waiting for a
// reconnect.
func (e *Engine) HasPendingRetry() bool {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	return e.pendingRetry != nil
}

// Replace installs set as the whole rule set, as delivered by a
// full fetch or by m.push_rules account data, and notifies
// subscribers.
func (e *Engine) Replace(set Set) {
	e.mu.Lock()
	e.rules = set.clone()
	e.loaded = true
	e.mu.Unlock()
	e.changed()
}

// Subscribe registers fn to be called with a copy of the rule set
// after every change. The returned function removes the listener.
// Listeners run on the goroutine that made the change.
func (e *Engine) Subscribe(fn func(Set)) (unsubscribe func()) {
	e.listenersMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenersMu.Lock()
			delete(e.listeners, id)
			e.listenersMu.Unlock()
		})
	}
}

// changed clears derived caches and notifies listeners. Must be
// called without e.mu held.
func (e *Engine) changed() {
	e.mentionMu.Lock()
	clear(e.mentionCache)
	e.mentionMu.Unlock()

	e.listenersMu.Lock()
	listeners := make([]func(Set), 0, len(e.listeners))
	for _, listener := range e.listeners {
		listeners = append(listeners, listener)
	}
	e.listenersMu.Unlock()

	if len(listeners) == 0 {
		return
	}
	snapshot := e.Rules()
	for _, listener := range listeners {
		listener(snapshot.clone())
	}
}

// Evaluate returns the first enabled rule whose conditions hold for
// event, or nil when none does. It also returns nil before the rule
// set is loaded, for events sent by the local user, and for
// presence, typing, redaction, receipt and tag events. The returned
// rule is a copy.
func (e *Engine) Evaluate(event *messaging.Event) *Rule {
	if event == nil {
		return nil
	}
	if !e.self.IsZero() && event.Sender == e.self {
		e.metrics.evaluated("self")
		return nil
	}
	if skippedEventTypes[event.Type] || skippedEventTypes[event.Clear().Type] {
		e.metrics.evaluated("skipped")
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		e.metrics.evaluated("not_loaded")
		return nil
	}
	for _, kind := range messaging.PushRuleKinds {
		for _, rule := range *e.rules.kindList(kind) {
			if !rule.Enabled {
				continue
			}
			if e.matcher.ruleMatches(rule, event) {
				e.metrics.evaluated("matched")
				matched := rule.clone()
				return &matched
			}
		}
	}
	e.metrics.evaluated("unmatched")
	return nil
}
