// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DocumentID identifies a CRDT document globally. Document ids are
// UUIDv4 strings; they are allocated locally at document creation and
// never reused.
type DocumentID struct {
	id string
}

// NewDocumentID allocates a fresh document id.
func NewDocumentID() DocumentID {
	return DocumentID{id: uuid.NewString()}
}

// ParseDocumentID constructs a DocumentID from a raw string. Returns
// an error if the string is not a valid UUID.
func ParseDocumentID(raw string) (DocumentID, error) {
	if _, err := uuid.Parse(raw); err != nil {
		return DocumentID{}, fmt.Errorf("document id %q: %w", raw, err)
	}
	return DocumentID{id: raw}, nil
}

// String returns the raw document id string.
func (d DocumentID) String() string { return d.id }

// IsZero reports whether the DocumentID is the zero value.
func (d DocumentID) IsZero() bool { return d.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (d DocumentID) MarshalText() ([]byte, error) {
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DocumentID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DocumentID{}
		return nil
	}
	parsed, err := ParseDocumentID(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ActorID tags which replica produced a CRDT mutation, for causal
// tracking. One actor id is minted per device; it is a UUIDv4 with the
// dashes stripped (a plain 32-character hex string).
type ActorID struct {
	id string
}

// NewActorID mints a fresh actor id.
func NewActorID() ActorID {
	return ActorID{id: strings.ReplaceAll(uuid.NewString(), "-", "")}
}

// ParseActorID constructs an ActorID from a raw string. Returns an
// error if the string is empty.
func ParseActorID(raw string) (ActorID, error) {
	if raw == "" {
		return ActorID{}, fmt.Errorf("actor id is empty")
	}
	return ActorID{id: raw}, nil
}

// String returns the raw actor id string.
func (a ActorID) String() string { return a.id }

// IsZero reports whether the ActorID is the zero value.
func (a ActorID) IsZero() bool { return a.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (a ActorID) MarshalText() ([]byte, error) {
	return []byte(a.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActorID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = ActorID{}
		return nil
	}
	*a = ActorID{id: string(data)}
	return nil
}
