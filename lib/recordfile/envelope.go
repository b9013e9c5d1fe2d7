// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recordfile

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/syncengine/lib/secret"
)

// FormatVersion is the envelope version written by this package.
// Records with any other version are rejected with ErrVersion.
const FormatVersion byte = 1

// KeySize is the required length of the store key passed in Options.
const KeySize = 32

// MaxRecordSize bounds the plaintext length accepted on read, so a
// corrupted length field cannot trigger a huge allocation.
const MaxRecordSize = 64 << 20

// Compression identifies how a record body was compressed.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

const (
	flagEncrypted byte = 1 << 0
)

const headerSize = 4 + 1 + 1 + 1 + 1 + 4 + 32

var magic = [4]byte{'S', 'R', 'E', 'C'}

var hkdfInfoRecordKey = []byte("syncengine.recordfile.v1")

var (
	// ErrChecksum reports a body whose BLAKE3 digest does not match
	// the envelope.
	ErrChecksum = errors.New("recordfile: checksum mismatch")

	// ErrVersion reports an envelope written by an unknown format
	// version.
	ErrVersion = errors.New("recordfile: unsupported format version")

	// ErrFormat reports bytes that are not a record envelope at all.
	ErrFormat = errors.New("recordfile: malformed envelope")

	// ErrKeyRequired reports a sealed record read by a Codec without
	// a key.
	ErrKeyRequired = errors.New("recordfile: record is encrypted but no key is configured")

	// ErrKeyMismatch reports a sealed record whose body is intact but
	// does not authenticate: another key sealed it, or it was sealed
	// as a different kind.
	ErrKeyMismatch = errors.New("recordfile: record does not authenticate with this key")
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("recordfile: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		panic("recordfile: zstd decoder initialization failed: " + err.Error())
	}
}

// Options configures a Codec.
type Options struct {
	// Compression is applied to every record whose compressed form is
	// smaller than the plaintext. Incompressible records are stored
	// with CompressionNone regardless.
	Compression Compression

	// Key, when non-nil, seals every written record. It must be
	// KeySize bytes. The Codec derives its own subkey and does not
	// retain or close Key.
	Key *secret.Buffer
}

// Codec encodes and decodes record envelopes. A Codec is immutable
// after construction and safe for concurrent use.
type Codec struct {
	compression Compression
	aead        cipher.AEAD
}

// NewCodec returns a Codec for the given options.
func NewCodec(options Options) (*Codec, error) {
	switch options.Compression {
	case CompressionNone, CompressionZstd:
	default:
		return nil, fmt.Errorf("recordfile: unknown compression %d", options.Compression)
	}

	codec := &Codec{compression: options.Compression}
	if options.Key == nil {
		return codec, nil
	}
	if options.Key.Len() != KeySize {
		return nil, fmt.Errorf("recordfile: key must be %d bytes, got %d", KeySize, options.Key.Len())
	}

	derived := make([]byte, KeySize)
	defer secret.Zero(derived)
	reader := hkdf.New(sha256.New, options.Key.Bytes(), nil, hkdfInfoRecordKey)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("recordfile: deriving record key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("recordfile: creating cipher: %w", err)
	}
	codec.aead = aead
	return codec, nil
}

// Encrypted reports whether the Codec seals records.
func (c *Codec) Encrypted() bool {
	return c.aead != nil
}

// Seal wraps payload in an envelope. kind is bound into the AEAD when
// the Codec is keyed and ignored otherwise.
func (c *Codec) Seal(kind string, payload []byte) ([]byte, error) {
	if len(payload) > MaxRecordSize {
		return nil, fmt.Errorf("recordfile: %s record of %d bytes exceeds limit", kind, len(payload))
	}

	header := make([]byte, headerSize)
	copy(header[0:4], magic[:])
	header[4] = FormatVersion
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))

	body := payload
	compression := CompressionNone
	if c.compression == CompressionZstd && len(payload) > 0 {
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			body = compressed
			compression = CompressionZstd
		}
	}
	header[5] = byte(compression)

	if c.aead != nil {
		header[6] |= flagEncrypted
		nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(body)+chacha20poly1305.Overhead)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("recordfile: generating nonce: %w", err)
		}
		body = c.aead.Seal(nonce, nonce, body, additionalData(header, kind))
	}

	sum := blake3.Sum256(body)
	copy(header[12:headerSize], sum[:])

	envelope := make([]byte, 0, headerSize+len(body))
	envelope = append(envelope, header...)
	return append(envelope, body...), nil
}

// Open validates an envelope and returns its payload.
func (c *Codec) Open(kind string, envelope []byte) ([]byte, error) {
	if len(envelope) < headerSize || !bytes.Equal(envelope[0:4], magic[:]) {
		return nil, ErrFormat
	}
	header := envelope[:headerSize]
	body := envelope[headerSize:]

	if header[4] != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, header[4])
	}
	length := int(binary.BigEndian.Uint32(header[8:12]))
	if length > MaxRecordSize {
		return nil, fmt.Errorf("%w: plaintext length %d exceeds limit", ErrFormat, length)
	}
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], header[12:headerSize]) {
		return nil, ErrChecksum
	}

	if header[6]&flagEncrypted != 0 {
		if c.aead == nil {
			return nil, ErrKeyRequired
		}
		if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
			return nil, fmt.Errorf("%w: sealed body too short", ErrFormat)
		}
		nonce := body[:chacha20poly1305.NonceSizeX]
		plaintext, err := c.aead.Open(nil, nonce, body[chacha20poly1305.NonceSizeX:], additionalData(header, kind))
		if err != nil {
			return nil, fmt.Errorf("%w: %s record: %v", ErrKeyMismatch, kind, err)
		}
		body = plaintext
	}

	switch Compression(header[5]) {
	case CompressionNone:
		if len(body) != length {
			return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrFormat, len(body), length)
		}
		return body, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, length))
		if err != nil {
			return nil, fmt.Errorf("recordfile: zstd decompress: %w", err)
		}
		if len(result) != length {
			return nil, fmt.Errorf("%w: decompressed %d bytes, header says %d", ErrFormat, len(result), length)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrFormat, header[5])
	}
}

// additionalData is the header prefix up to the checksum followed by
// the record kind. The checksum is excluded because it is computed
// over the sealed body.
func additionalData(header []byte, kind string) []byte {
	aad := make([]byte, 0, 12+len(kind))
	aad = append(aad, header[:12]...)
	return append(aad, kind...)
}
