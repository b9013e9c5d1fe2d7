// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/syncengine/lib/codec"
)

// Blob layout: one tag byte, the uvarint length of the CBOR payload,
// then the payload either raw or as one LZ4 block.
const (
	blobRaw byte = 0
	blobLZ4 byte = 1
)

// maxBlobSize bounds the decoded size accepted from the database.
const maxBlobSize = 64 << 20

var errCorruptBlob = errors.New("roomstore: corrupt blob")

// encodeBlob marshals v to CBOR and compresses it when LZ4 gains
// anything.
func encodeBlob(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("roomstore: encoding blob: %w", err)
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("roomstore: lz4 compress: %w", err)
	}

	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		blob := binary.AppendUvarint([]byte{blobRaw}, uint64(len(data)))
		return append(blob, data...), nil
	}
	blob := binary.AppendUvarint([]byte{blobLZ4}, uint64(len(data)))
	return append(blob, compressed[:written]...), nil
}

// decodeBlob reverses encodeBlob into v.
func decodeBlob(blob []byte, v any) error {
	if len(blob) < 2 {
		return errCorruptBlob
	}
	size, n := binary.Uvarint(blob[1:])
	if n <= 0 || size > maxBlobSize {
		return fmt.Errorf("%w: bad length header", errCorruptBlob)
	}
	payload := blob[1+n:]

	var data []byte
	switch blob[0] {
	case blobRaw:
		if uint64(len(payload)) != size {
			return fmt.Errorf("%w: %d bytes, header says %d", errCorruptBlob, len(payload), size)
		}
		data = payload
	case blobLZ4:
		data = make([]byte, size)
		read, err := lz4.UncompressBlock(payload, data)
		if err != nil {
			return fmt.Errorf("%w: lz4 decompress: %v", errCorruptBlob, err)
		}
		if uint64(read) != size {
			return fmt.Errorf("%w: decompressed %d bytes, header says %d", errCorruptBlob, read, size)
		}
	default:
		return fmt.Errorf("%w: unknown tag %d", errCorruptBlob, blob[0])
	}

	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("roomstore: decoding blob: %w", err)
	}
	return nil
}
