// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

// Handle is an opaque cryptographic object: an account, a pairwise
// session or an inbound group session. Implementations must be
// comparable (in practice, pointer types): the store compares handles
// to decide whether a store call replaces an object or re-saves it.
type Handle interface {
	// ID returns the session identifier. Accounts may return "".
	ID() string

	// Pickle serializes the object.
	Pickle() ([]byte, error)

	// Release frees the object's resources. The store calls it at
	// most once per handle it holds.
	Release()
}

// Factory restores handles from pickles produced by Handle.Pickle.
type Factory interface {
	UnpickleAccount(pickle []byte) (Handle, error)
	UnpickleSession(pickle []byte) (Handle, error)
	UnpickleGroupSession(pickle []byte) (Handle, error)
}

// Metadata ties a store to its account and holds the small settings
// that change rarely.
type Metadata struct {
	Version  int          `cbor:"v"`
	UserID   ref.UserID   `cbor:"user_id"`
	DeviceID ref.DeviceID `cbor:"device_id,omitempty"`

	// DeviceAnnounced is set once the device's keys have been
	// announced to the rooms it shares.
	DeviceAnnounced bool `cbor:"device_announced,omitempty"`

	// GlobalBlacklistUnverified stops sending room keys to
	// unverified devices in every room.
	GlobalBlacklistUnverified bool `cbor:"global_blacklist_unverified,omitempty"`

	// BlacklistUnverifiedRooms lists the rooms where room keys are
	// withheld from unverified devices.
	BlacklistUnverifiedRooms []ref.RoomID `cbor:"blacklist_unverified_rooms,omitempty"`
}

func (m Metadata) clone() Metadata {
	m.BlacklistUnverifiedRooms = slices.Clone(m.BlacklistUnverifiedRooms)
	return m
}

// Verification is the local trust decision for a device.
type Verification int

const (
	VerificationUnknown Verification = iota - 1
	VerificationUnverified
	VerificationVerified
	VerificationBlocked
)

// DeviceInfo describes one device of a user as published in its
// device keys.
type DeviceInfo struct {
	DeviceID     ref.DeviceID      `cbor:"device_id"`
	UserID       ref.UserID        `cbor:"user_id"`
	Algorithms   []string          `cbor:"algorithms,omitempty"`
	Keys         map[string]string `cbor:"keys,omitempty"`
	DisplayName  string            `cbor:"display_name,omitempty"`
	Verification Verification      `cbor:"verification"`
}

func (d DeviceInfo) clone() DeviceInfo {
	d.Algorithms = slices.Clone(d.Algorithms)
	d.Keys = maps.Clone(d.Keys)
	return d
}

// TrackingStatus is the state of a user's device list.
type TrackingStatus int

const (
	TrackingNotTracked         TrackingStatus = -1
	TrackingPendingDownload    TrackingStatus = 1
	TrackingDownloadInProgress TrackingStatus = 2
	TrackingUpToDate           TrackingStatus = 3
	TrackingUnreachableServer  TrackingStatus = 4
)

// GroupSession is an inbound group session with the context needed
// to decrypt and attribute room messages.
type GroupSession struct {
	// SenderKey is the curve25519 key of the device that created the
	// session.
	SenderKey string

	RoomID ref.RoomID

	// KeysClaimed maps key algorithm to the key the sender claimed
	// to own when sharing the session.
	KeysClaimed map[string]string

	// ForwardingChain lists the curve25519 keys of the devices that
	// forwarded the session, oldest first.
	ForwardingChain []string

	Session Handle
}

// ID returns the session identifier.
func (g *GroupSession) ID() string {
	if g == nil || g.Session == nil {
		return ""
	}
	return g.Session.ID()
}

func (g *GroupSession) copyWithHandle() *GroupSession {
	return &GroupSession{
		SenderKey:       g.SenderKey,
		RoomID:          g.RoomID,
		KeysClaimed:     maps.Clone(g.KeysClaimed),
		ForwardingChain: slices.Clone(g.ForwardingChain),
		Session:         g.Session,
	}
}
