// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/secret"
)

// Credentials identify one logged-in device. The crypto store keys
// its on-disk tree by UserID and refuses to serve data written for a
// different DeviceID.
type Credentials struct {
	UserID        ref.UserID
	DeviceID      ref.DeviceID
	HomeserverURL string
	AccessToken   *secret.Buffer
}

// Validate checks that every field is set.
func (c Credentials) Validate() error {
	switch {
	case c.UserID.IsZero():
		return fmt.Errorf("messaging: credentials missing user ID")
	case c.DeviceID.IsZero():
		return fmt.Errorf("messaging: credentials for %s missing device ID", c.UserID)
	case c.AccessToken == nil || c.AccessToken.Len() == 0:
		return fmt.Errorf("messaging: credentials for %s missing access token", c.UserID)
	}
	return nil
}
