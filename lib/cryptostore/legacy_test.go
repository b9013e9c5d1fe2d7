// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/syncengine/lib/recordfile"
	"github.com/bureau-foundation/syncengine/lib/testutil"
)

func TestMigrateLegacyFiles(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, _ := openTestStore(t, base)
	if err := store.StoreAccount(ctx, &fakeHandle{kind: "account", id: "acct"}); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}
	store.Close()

	directory := store.Directory()
	writeLegacy := func(name, kind string, value any) {
		t.Helper()
		if err := store.codec.WriteValue(filepath.Join(directory, name), kind, value); err != nil {
			t.Fatalf("writing legacy %s: %v", name, err)
		}
	}
	writeLegacy(legacyDevices, kindLegacyDevices, legacyDevicesRecord{
		Version: recordVersion,
		Users: map[string]map[string]DeviceInfo{
			otherUser.String(): {"PHONE": {DeviceID: mustDevice("PHONE"), UserID: otherUser, DisplayName: "phone"}},
		},
	})
	writeLegacy(legacySessions, kindLegacySessions, legacySessionsRecord{
		Version: recordVersion,
		Sessions: map[string]map[string][]byte{
			"curvekey": {"olm-1": []byte("session:olm-1"), "olm-2": []byte("session:olm-2")},
		},
	})
	writeLegacy(legacyGroupSessions, kindLegacyGroupSessions, legacyGroupSessionsRecord{
		Version: recordVersion,
		Sessions: map[string]map[string]legacyGroupSessionEntry{
			"curvekey": {"megolm-1": {
				RoomID:      testRoom.String(),
				KeysClaimed: map[string]string{"ed25519": "edkey"},
				Pickle:      []byte("group:megolm-1"),
			}},
		},
	})

	reopened, _ := openTestStore(t, base)
	if reopened.IsCorrupted() {
		t.Fatal("migration marked the store corrupted")
	}
	for _, name := range []string{legacyDevices, legacySessions, legacyGroupSessions} {
		if recordfile.Exists(filepath.Join(directory, name)) {
			t.Errorf("legacy %s file survived migration", name)
		}
	}

	if device, ok := reopened.UserDevice(otherUser, mustDevice("PHONE")); !ok || device.DisplayName != "phone" {
		t.Errorf("migrated device = %+v, %t", device, ok)
	}
	if count := reopened.SessionCount(); count != 2 {
		t.Errorf("migrated %d sessions, want 2", count)
	}
	group := reopened.GroupSession("megolm-1", "curvekey")
	if group == nil {
		t.Fatal("migrated group session missing")
	}
	if group.RoomID != testRoom || group.KeysClaimed["ed25519"] != "edkey" {
		t.Errorf("migrated group session = %+v", group)
	}

	files := testutil.ListFiles(t, directory)
	want := map[string]bool{}
	want["devices.d/"+EncodeFilename(otherUser.String())] = true
	want["sessions.d/"+EncodeFilename("curvekey")+"/"+EncodeFilename("olm-1")] = true
	for _, file := range files {
		delete(want, file)
	}
	if len(want) != 0 {
		t.Errorf("files %v missing from migrated layout %v", want, files)
	}
}

func TestCorruptLegacyFile(t *testing.T) {
	base := t.TempDir()
	store, _ := openTestStore(t, base)
	store.Close()

	legacyPath := filepath.Join(store.Directory(), legacySessions)
	testutil.WriteFile(t, legacyPath, []byte("garbage"))

	reopened, _ := openTestStore(t, base)
	if !reopened.IsCorrupted() {
		t.Error("undecodable legacy file did not mark the store corrupted")
	}
	if recordfile.Exists(legacyPath) {
		t.Error("undecodable legacy file was kept")
	}
	if reopened.SessionCount() != 0 {
		t.Error("sessions appeared from a corrupt legacy file")
	}
}
