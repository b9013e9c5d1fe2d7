// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

type devicesRecord struct {
	Version int                   `cbor:"v"`
	Devices map[string]DeviceInfo `cbor:"devices"`
}

func (s *Store) devicesPath(userID ref.UserID) string {
	return s.path(devicesDir, EncodeFilename(userID.String()))
}

// userDevicesLocked returns the cached device map of userID, loading
// it from disk on first use. Requires devicesMu held exclusively.
func (s *Store) userDevicesLocked(userID ref.UserID) map[ref.DeviceID]DeviceInfo {
	if devices, ok := s.devices[userID]; ok {
		return devices
	}
	devices := make(map[ref.DeviceID]DeviceInfo)
	var record devicesRecord
	path := s.devicesPath(userID)
	if s.readRecord(path, kindDevices, &record) {
		if record.Version != recordVersion {
			s.markCorrupted(path, errUnknownRecordVersion(record.Version))
		} else {
			parsed, dropped := parseKeys(record.Devices, ref.ParseDeviceID)
			if dropped > 0 {
				s.logger.Warn("dropped device entries with invalid ids", "user", userID, "dropped", dropped)
			}
			devices = parsed
		}
	}
	s.devices[userID] = devices
	return devices
}

// devicesLoaded reports whether userID's devices are in memory.
func (s *Store) devicesLoaded(userID ref.UserID) bool {
	s.devicesMu.RLock()
	defer s.devicesMu.RUnlock()
	_, ok := s.devices[userID]
	return ok
}

// StoreUserDevice adds or replaces one device of userID.
func (s *Store) StoreUserDevice(ctx context.Context, userID ref.UserID, device DeviceInfo) error {
	end, err := s.beginWrite(ctx, "StoreUserDevice")
	if err != nil {
		return err
	}
	defer end()

	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	devices := s.userDevicesLocked(userID)
	devices[device.DeviceID] = device.clone()
	snapshot := stringKeys(devices)

	return s.writeRecord("devices", s.devicesPath(userID), kindDevices, devicesRecord{
		Version: recordVersion,
		Devices: snapshot,
	})
}

// StoreUserDevices replaces every device of userID.
func (s *Store) StoreUserDevices(ctx context.Context, userID ref.UserID, devices map[ref.DeviceID]DeviceInfo) error {
	end, err := s.beginWrite(ctx, "StoreUserDevices")
	if err != nil {
		return err
	}
	defer end()

	replacement := make(map[ref.DeviceID]DeviceInfo, len(devices))
	for deviceID, device := range devices {
		replacement[deviceID] = device.clone()
	}

	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	s.devices[userID] = replacement
	snapshot := stringKeys(replacement)

	return s.writeRecord("devices", s.devicesPath(userID), kindDevices, devicesRecord{
		Version: recordVersion,
		Devices: snapshot,
	})
}

// UserDevice returns one device of userID.
func (s *Store) UserDevice(userID ref.UserID, deviceID ref.DeviceID) (DeviceInfo, bool) {
	end, ok := s.beginRead("UserDevice")
	if !ok {
		return DeviceInfo{}, false
	}
	defer end()

	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	device, found := s.userDevicesLocked(userID)[deviceID]
	if !found {
		return DeviceInfo{}, false
	}
	return device.clone(), true
}

// UserDevices returns a copy of every known device of userID, or nil
// when none is known.
func (s *Store) UserDevices(userID ref.UserID) map[ref.DeviceID]DeviceInfo {
	end, ok := s.beginRead("UserDevices")
	if !ok {
		return nil
	}
	defer end()

	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	devices := s.userDevicesLocked(userID)
	if len(devices) == 0 {
		return nil
	}
	copied := make(map[ref.DeviceID]DeviceInfo, len(devices))
	for deviceID, device := range devices {
		copied[deviceID] = device.clone()
	}
	return copied
}
