// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/syncengine/lib/clock"
	"github.com/bureau-foundation/syncengine/lib/netutil"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

// ConnectivityListener is told when the homeserver becomes reachable
// or unreachable. pushrule.Engine implements it.
type ConnectivityListener interface {
	ConnectivityChanged(ctx context.Context, connected bool) error
}

// PollerConfig configures the /sync long-poll loop.
type PollerConfig struct {
	// Source performs the /sync requests. Required.
	Source DeltaSource

	// Processor applies the deltas. Required.
	Processor *Processor

	// Store supplies the stream token to resume from. Required.
	Store *roomstore.Store

	// Connectivity, when set, is told about reachability changes.
	Connectivity ConnectivityListener

	// Filter is the filter ID or inline JSON filter.
	Filter string

	// Timeout is the long-poll timeout in milliseconds. Default:
	// 30000.
	Timeout int

	// MaxBackoff caps the delay between retries of a failed /sync.
	// The delay starts at one second and doubles. Default: 30 seconds.
	MaxBackoff time.Duration

	// Clock drives the backoff. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Poller feeds /sync deltas from a DeltaSource to a Processor.
type Poller struct {
	source       DeltaSource
	processor    *Processor
	store        *roomstore.Store
	connectivity ConnectivityListener
	filter       string
	timeout      int
	maxBackoff   time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	// connected is owned by the Run goroutine.
	connected bool
}

// NewPoller creates a Poller.
func NewPoller(config PollerConfig) (*Poller, error) {
	if config.Source == nil || config.Processor == nil || config.Store == nil {
		return nil, errors.New("syncer: poller needs Source, Processor and Store")
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30000
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:       config.Source,
		processor:    config.Processor,
		store:        config.Store,
		connectivity: config.Connectivity,
		filter:       config.Filter,
		timeout:      timeout,
		maxBackoff:   maxBackoff,
		clock:        clk,
		logger:       logger,
	}, nil
}

// Run polls until ctx is cancelled or the server rejects the
// credentials. With a stored stream token, it first applies an empty
// catch-up delta so the processor resumes from the stored state;
// without one, the first request is an initial sync.
//
// Transient and server errors are retried with exponential backoff.
// Each delta is fully applied before the next request, so the token
// sent is always the last one applied.
func (p *Poller) Run(ctx context.Context) error {
	token, err := p.store.StreamToken(ctx)
	if err != nil {
		return fmt.Errorf("syncer: reading stream token: %w", err)
	}
	if token != "" {
		p.logger.Info("resuming sync", "since", token)
		if err := p.await(ctx, p.processor.Apply(&messaging.SyncResponse{NextBatch: token}, token, true)); err != nil {
			return err
		}
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		options := messaging.SyncOptions{
			Since:  token,
			Filter: p.filter,
		}
		if token != "" {
			options.Timeout = p.timeout
			options.SetTimeout = true
		}

		delta, err := p.source.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if messaging.IsAuthError(err) {
				return fmt.Errorf("syncer: sync rejected: %w", err)
			}
			if netutil.IsTransient(err) {
				p.setConnected(ctx, false)
			}
			p.logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(backoff):
			}
			backoff = min(backoff*2, p.maxBackoff)
			continue
		}

		backoff = time.Second
		p.setConnected(ctx, true)
		if err := p.await(ctx, p.processor.Apply(delta, token, false)); err != nil {
			return err
		}
		if delta.NextBatch != "" {
			token = delta.NextBatch
		}
	}
}

func (p *Poller) await(ctx context.Context, applied <-chan struct{}) error {
	select {
	case <-applied:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.processor.isClosed() {
		return ErrClosed
	}
	return nil
}

// setConnected reports a reachability transition to the listener on
// its own goroutine, so a slow retry does not hold up the loop.
func (p *Poller) setConnected(ctx context.Context, connected bool) {
	if p.connected == connected {
		return
	}
	p.connected = connected
	p.logger.Info("homeserver connectivity changed", "connected", connected)
	if p.connectivity == nil {
		return
	}
	go func() {
		if err := p.connectivity.ConnectivityChanged(ctx, connected); err != nil {
			p.logger.Warn("connectivity handler failed", "connected", connected, "error", err)
		}
	}()
}
