// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch runs callbacks one at a time on a dedicated
// goroutine, in the order they were posted.
//
// The sync processor uses a Dispatcher to deliver observer
// notifications: observers never run concurrently with each other,
// and never on the worker goroutine that mutates room and crypto
// state. Code that must not run on the dispatch goroutine (blocking
// disk writes, for example) checks [OnDispatcher] on its context.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type dispatcherKey struct{}

// OnDispatcher reports whether ctx was handed to a callback by a
// Dispatcher, meaning the caller is running on a dispatch goroutine.
func OnDispatcher(ctx context.Context) bool {
	marked, _ := ctx.Value(dispatcherKey{}).(bool)
	return marked
}

// Dispatcher is a FIFO callback queue drained by one goroutine.
type Dispatcher struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []func(context.Context)
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a Dispatcher. If logger is nil, slog.Default is used.
// The caller must call Close.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), dispatcherKey{}, true))
	dispatcher := &Dispatcher{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go dispatcher.loop()
	return dispatcher
}

// Post queues fn. It returns false, without queueing, once the
// Dispatcher is closed. fn receives a context that satisfies
// OnDispatcher and is cancelled by Close.
func (d *Dispatcher) Post(fn func(ctx context.Context)) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush blocks until every callback posted before the call has run,
// or ctx is done. It returns an error if the Dispatcher is closed
// before the barrier is reached.
func (d *Dispatcher) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !d.Post(func(context.Context) { close(reached) }) {
		return fmt.Errorf("dispatch: closed")
	}
	select {
	case <-reached:
		return nil
	case <-d.done:
		return fmt.Errorf("dispatch: closed before flush completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the Dispatcher. Callbacks still queued are dropped
// without running. A callback already in progress is not interrupted
// beyond cancellation of its context; wait on Done to observe the
// goroutine exiting. Close is safe to call from a callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	dropped := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	d.cancel()
	if dropped > 0 {
		d.logger.Debug("dispatcher closed with pending callbacks", "dropped", dropped)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the dispatch goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			<-d.wake
			continue
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *Dispatcher) run(fn func(context.Context)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("dispatched callback panicked", "panic", fmt.Sprint(recovered))
		}
	}()
	fn(d.ctx)
}
