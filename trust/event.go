// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
)

// Kind discriminates graph events.
type Kind string

const (
	// KindAdmitUser admits a new user together with its first device.
	// The genesis event of every graph is an AdmitUser with no
	// parents, introducing the founder.
	KindAdmitUser Kind = "ADMIT_USER"

	// KindAdmitDevice admits an additional device for an existing
	// user.
	KindAdmitDevice Kind = "ADMIT_DEVICE"

	// KindRevoke removes a user or a single device from the team.
	KindRevoke Kind = "REVOKE"

	// KindPromoteAdmin grants a user admin capability. Admin status
	// exists only through this event; no admission implies it.
	KindPromoteAdmin Kind = "PROMOTE_ADMIN"

	// KindGeneric carries an application message riding on the graph.
	KindGeneric Kind = "GENERIC"
)

// EventID is the BLAKE3 hash of an event's signed body. It names the
// event in parent references and breaks ties when concurrent branches
// are linearized.
type EventID [32]byte

// String returns the hex form of the id.
func (id EventID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the id is all zeros.
func (id EventID) IsZero() bool { return id == EventID{} }

// less orders event ids by raw byte comparison. Concurrent siblings
// apply in this order on every replica.
func (id EventID) less(other EventID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// eventBody is the signed portion of an event. Encoded with
// deterministic CBOR so the hash and signature are stable across
// replicas.
type eventBody struct {
	Kind     Kind             `cbor:"1,keyasint"`
	Parents  [][]byte         `cbor:"2,keyasint,omitempty"`
	Author   ref.DeviceID     `cbor:"3,keyasint"`
	UnixTime int64            `cbor:"4,keyasint"`
	Payload  codec.RawMessage `cbor:"5,keyasint"`
}

// Event is one signed entry in the membership graph. ID is derived,
// not stored on the wire; wireEvent carries Body+Signature and the id
// is recomputed on decode, so a tampered body cannot keep its old
// name.
type Event struct {
	ID        EventID
	Kind      Kind
	Parents   []EventID
	Author    ref.DeviceID
	UnixTime  int64
	Payload   codec.RawMessage
	Signature []byte

	body []byte
}

type wireEvent struct {
	Body      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// admitUserPayload introduces a user and its first device. For the
// genesis event Invitation and Proof are empty; for every later
// AdmitUser they identify and prove the redeemed invitation.
type admitUserPayload struct {
	User       User   `cbor:"1,keyasint"`
	Device     Device `cbor:"2,keyasint"`
	Invitation string `cbor:"3,keyasint,omitempty"`
	Proof      []byte `cbor:"4,keyasint,omitempty"`
}

// admitDevicePayload introduces an additional device for an existing
// user, proven against a device invitation.
type admitDevicePayload struct {
	Device     Device `cbor:"1,keyasint"`
	Invitation string `cbor:"2,keyasint"`
	Proof      []byte `cbor:"3,keyasint"`
}

// revokePayload removes a user (all devices) or one device. Exactly
// one of the two fields is set.
type revokePayload struct {
	User   ref.UserID   `cbor:"1,keyasint,omitempty"`
	Device ref.DeviceID `cbor:"2,keyasint,omitempty"`
}

type promoteAdminPayload struct {
	User ref.UserID `cbor:"1,keyasint"`
}

// genericPayload carries an application message. Type selects which
// Messages query returns it; Value is opaque to the graph.
type genericPayload struct {
	Type  string           `cbor:"1,keyasint"`
	Value codec.RawMessage `cbor:"2,keyasint"`
}

// signEvent encodes, signs, and hashes an event body.
func signEvent(kind Kind, parents []EventID, author ref.DeviceID, unixTime int64, payload any, signingKey ed25519.PrivateKey) (*Event, error) {
	encodedPayload, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("trust: encoding %s payload: %w", kind, err)
	}

	rawParents := make([][]byte, len(parents))
	for index, parent := range parents {
		rawParents[index] = append([]byte(nil), parent[:]...)
	}
	body, err := codec.Marshal(eventBody{
		Kind:     kind,
		Parents:  rawParents,
		Author:   author,
		UnixTime: unixTime,
		Payload:  encodedPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("trust: encoding %s event: %w", kind, err)
	}

	return &Event{
		ID:        blake3.Sum256(body),
		Kind:      kind,
		Parents:   parents,
		Author:    author,
		UnixTime:  unixTime,
		Payload:   encodedPayload,
		Signature: ed25519.Sign(signingKey, body),
		body:      body,
	}, nil
}

// decodeEvent reconstructs an event from its wire form, recomputing
// the id from the body bytes. Signature verification happens later,
// during application, because the author's public key is graph state.
func decodeEvent(wire wireEvent) (*Event, error) {
	if len(wire.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("trust: event signature is %d bytes, want %d", len(wire.Signature), ed25519.SignatureSize)
	}

	var body eventBody
	if err := codec.Unmarshal(wire.Body, &body); err != nil {
		return nil, fmt.Errorf("trust: decoding event body: %w", err)
	}

	parents := make([]EventID, len(body.Parents))
	for index, raw := range body.Parents {
		if len(raw) != len(EventID{}) {
			return nil, fmt.Errorf("trust: event parent is %d bytes, want %d", len(raw), len(EventID{}))
		}
		copy(parents[index][:], raw)
	}

	return &Event{
		ID:        blake3.Sum256(wire.Body),
		Kind:      body.Kind,
		Parents:   parents,
		Author:    body.Author,
		UnixTime:  body.UnixTime,
		Payload:   body.Payload,
		Signature: wire.Signature,
		body:      wire.Body,
	}, nil
}

// encode returns the wire form of the event.
func (e *Event) encode() wireEvent {
	return wireEvent{Body: e.body, Signature: e.Signature}
}

// verifySignature checks the event body against a device public key.
func (e *Event) verifySignature(publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), e.body, e.Signature)
}
