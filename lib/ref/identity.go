// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID identifies a cryptographic user identity admitted into a
// trust graph. During device-only provisioning, when a device is
// admitted before any human user, the device's user id slot carries the
// username instead, so UserID is an opaque string rather than a
// strictly-UUID type.
type UserID struct {
	id string
}

// NewUserID allocates a fresh user id.
func NewUserID() UserID {
	return UserID{id: uuid.NewString()}
}

// ParseUserID constructs a UserID from a raw string. Returns an error
// if the string is empty.
func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, fmt.Errorf("user id is empty")
	}
	return UserID{id: raw}, nil
}

// String returns the raw user id string.
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value.
func (u UserID) IsZero() bool { return u.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	*u = UserID{id: string(data)}
	return nil
}

// DeviceID identifies a single installation. One device id is minted
// per installation and never changes.
type DeviceID struct {
	id string
}

// NewDeviceID allocates a fresh device id.
func NewDeviceID() DeviceID {
	return DeviceID{id: uuid.NewString()}
}

// ParseDeviceID constructs a DeviceID from a raw string. Returns an
// error if the string is empty.
func ParseDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return DeviceID{}, fmt.Errorf("device id is empty")
	}
	return DeviceID{id: raw}, nil
}

// String returns the raw device id string.
func (d DeviceID) String() string { return d.id }

// IsZero reports whether the DeviceID is the zero value.
func (d DeviceID) IsZero() bool { return d.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DeviceID{}
		return nil
	}
	*d = DeviceID{id: string(data)}
	return nil
}
