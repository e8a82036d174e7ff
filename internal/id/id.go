// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package id

import "github.com/google/uuid"

// New generates an opaque session identifier. IDs are immutable once issued.
func New() string {
	return uuid.NewString()
}
