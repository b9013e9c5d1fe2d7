// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

// departedFilter asks for left rooms only, with the last timeline
// event of each.
const departedFilter = `{"room":{"include_leave":true,"timeline":{"limit":1}}}`

// departedCall is one in-flight RetrieveDepartedRooms request, shared
// by every concurrent caller.
type departedCall struct {
	done chan struct{}
	err  error
}

// RetrieveDepartedRooms fetches the rooms the user has left, keeps
// those left voluntarily in the Departed partition and then turns
// departed-room retention on. Concurrent callers share one request.
// No per-room notifications are published for retrieved rooms. When
// retention is already on, the partition is current and nothing is
// fetched.
func (p *Processor) RetrieveDepartedRooms(ctx context.Context) error {
	if p.source == nil {
		return errors.New("syncer: no delta source configured")
	}
	if p.AreDepartedRoomsRetained() {
		return nil
	}

	p.departedMu.Lock()
	call := p.departedCall
	if call == nil {
		call = &departedCall{done: make(chan struct{})}
		p.departedCall = call
		p.departedMu.Unlock()

		// The request outlives any single caller; Close cancels it.
		go func() {
			call.err = p.retrieveDeparted(p.ctx)
			p.departedMu.Lock()
			p.departedCall = nil
			p.departedMu.Unlock()
			close(call.done)
		}()
	} else {
		p.departedMu.Unlock()
	}

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) retrieveDeparted(ctx context.Context) error {
	p.setRetrieving(true)
	defer p.setRetrieving(false)

	p.logger.Info("retrieving departed rooms")
	delta, err := p.source.Sync(ctx, messaging.SyncOptions{
		Filter:    departedFilter,
		FullState: true,
	})
	if err != nil {
		return fmt.Errorf("syncer: retrieving departed rooms: %w", err)
	}

	kept := 0
	err = p.runOnWorker(ctx, func(ctx context.Context) error {
		var failed error
		for _, roomID := range sortedRoomIDs(delta.Rooms.Leave) {
			retained, err := p.storeDeparted(ctx, roomID, delta.Rooms.Leave[roomID])
			if err != nil {
				p.logger.Error("storing departed room failed", "room_id", roomID, "error", err)
				failed = errors.Join(failed, err)
				continue
			}
			if retained {
				kept++
			}
		}
		if failed != nil {
			return failed
		}
		p.cacheMu.Lock()
		p.retain = true
		p.cacheMu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("syncer: retrieving departed rooms: %w", err)
	}
	p.logger.Info("departed rooms retrieved", "left", len(delta.Rooms.Leave), "retained", kept)
	return nil
}

// storeDeparted applies one retrieved left room to Departed and
// reports whether it was kept. Rooms that are live again, or that the
// user did not leave voluntarily, are not kept.
func (p *Processor) storeDeparted(ctx context.Context, roomID ref.RoomID, left messaging.LeftRoom) (bool, error) {
	partition, found, err := p.store.Locate(ctx, roomID)
	if err != nil {
		return false, err
	}
	if found && partition == roomstore.Live {
		return false, nil
	}
	changes, err := p.updateRoom(ctx, roomstore.Departed, roomID, roomDelta{
		state:       left.State.Events,
		timeline:    left.Timeline,
		accountData: left.AccountData.Events,
	})
	if err != nil {
		return false, err
	}
	if p.isVoluntaryLeave(changes.room) {
		return true, nil
	}
	if _, err := p.store.Delete(ctx, roomstore.Departed, roomID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseDepartedRooms deletes every room in the Departed partition
// and turns departed-room retention off.
func (p *Processor) ReleaseDepartedRooms(ctx context.Context) error {
	return p.runOnWorker(ctx, func(ctx context.Context) error {
		count, err := p.store.Clear(ctx, roomstore.Departed)
		if err != nil {
			return fmt.Errorf("syncer: releasing departed rooms: %w", err)
		}
		p.cacheMu.Lock()
		p.retain = false
		p.cacheMu.Unlock()
		p.logger.Info("departed rooms released", "rooms", count)
		return nil
	})
}

// AreDepartedRoomsRetained reports whether left rooms are kept in the
// Departed partition.
func (p *Processor) AreDepartedRoomsRetained() bool {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	return p.retain
}

// IsRetrievingDepartedRooms reports whether a RetrieveDepartedRooms
// request is in flight.
func (p *Processor) IsRetrievingDepartedRooms() bool {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	return p.retrieving
}

func (p *Processor) setRetrieving(retrieving bool) {
	p.cacheMu.Lock()
	p.retrieving = retrieving
	p.cacheMu.Unlock()
}
