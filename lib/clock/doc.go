// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The sync processor stamps presence updates with Clock.Now and the
// /sync poller waits out retry backoff with Clock.After. Tests swap
// in Fake() and release the poller deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	poller := syncer.NewPoller(syncer.PollerConfig{Clock: c, ...})
//	go poller.Run(ctx)
//	c.WaitForTimers(1)
//	c.Advance(time.Second)
package clock
