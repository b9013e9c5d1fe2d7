// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeFilename returns the uppercase hex of key's UTF-8 bytes.
func EncodeFilename(key string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(key)))
}

// DecodeFilename reverses EncodeFilename. Lowercase hex is accepted.
func DecodeFilename(name string) (string, error) {
	decoded, err := hex.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("cryptostore: invalid filename %q: %w", name, err)
	}
	return string(decoded), nil
}
