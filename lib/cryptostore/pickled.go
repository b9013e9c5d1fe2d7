// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"bytes"
	"errors"
)

// PickledFactory restores every record as a [PickledHandle]: the
// pickle is kept as opaque bytes and never interpreted. It lets tools
// open, inspect and rewrite a store without the cryptographic library
// that produced it.
type PickledFactory struct{}

func (PickledFactory) UnpickleAccount(pickle []byte) (Handle, error) {
	return newPickledHandle(pickle)
}

func (PickledFactory) UnpickleSession(pickle []byte) (Handle, error) {
	return newPickledHandle(pickle)
}

func (PickledFactory) UnpickleGroupSession(pickle []byte) (Handle, error) {
	return newPickledHandle(pickle)
}

// PickledHandle is a Handle holding a pickle verbatim. Its ID is
// empty: identifiers live in the records, not in the pickle.
type PickledHandle struct {
	pickle []byte
}

func newPickledHandle(pickle []byte) (Handle, error) {
	if len(pickle) == 0 {
		return nil, errors.New("cryptostore: empty pickle")
	}
	return &PickledHandle{pickle: bytes.Clone(pickle)}, nil
}

func (h *PickledHandle) ID() string { return "" }

func (h *PickledHandle) Pickle() ([]byte, error) {
	if h.pickle == nil {
		return nil, errors.New("cryptostore: pickled handle released")
	}
	return bytes.Clone(h.pickle), nil
}

// Release drops the pickle. Later Pickle calls fail.
func (h *PickledHandle) Release() {
	clear(h.pickle)
	h.pickle = nil
}
