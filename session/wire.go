// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"golang.org/x/net/websocket"

	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
)

// FrameKind identifies one sync-protocol frame type.
type FrameKind string

const (
	// FrameHello opens the handshake: the server sends its public key
	// and a random challenge nonce.
	FrameHello FrameKind = "hello"

	// FrameAuth answers the challenge: the client names its device and
	// proves key possession by signing the nonce bound to the share.
	FrameAuth FrameKind = "auth"

	// FrameWelcome completes the handshake and reports how many other
	// peers are present on the share.
	FrameWelcome FrameKind = "welcome"

	// FrameAnnounce publishes the sender's exported trust graph,
	// including the sealed keyring, to the share.
	FrameAnnounce FrameKind = "announce"

	// FramePresence reports a peer device joining or leaving the
	// share.
	FramePresence FrameKind = "presence"

	// FrameDocChange carries one document snapshot for merging.
	FrameDocChange FrameKind = "docChange"

	// FrameIndexChange carries the share's document-index snapshot.
	FrameIndexChange FrameKind = "indexChange"

	// FrameGraphUpdate carries an exported trust graph from a peer or
	// the relay, merged like an announce on receipt.
	FrameGraphUpdate FrameKind = "graphUpdate"

	// FrameError reports a non-fatal protocol error.
	FrameError FrameKind = "error"
)

// Frame is the single wire envelope of the sync protocol. Which fields
// are set depends on Kind; unused fields are omitted from the
// encoding.
type Frame struct {
	Kind FrameKind `cbor:"1,keyasint"`

	// Handshake (hello, auth, welcome).
	Nonce      []byte `cbor:"2,keyasint,omitempty"`
	ServerKey  []byte `cbor:"3,keyasint,omitempty"`
	Device     string `cbor:"4,keyasint,omitempty"`
	SigningKey []byte `cbor:"5,keyasint,omitempty"`
	Signature  []byte `cbor:"6,keyasint,omitempty"`
	Peers      int    `cbor:"7,keyasint,omitempty"`

	// Sync payloads.
	Graph    []byte `cbor:"8,keyasint,omitempty"`
	Online   bool   `cbor:"9,keyasint,omitempty"`
	Document string `cbor:"10,keyasint,omitempty"`
	Snapshot []byte `cbor:"11,keyasint,omitempty"`

	// Errors.
	Code    string `cbor:"12,keyasint,omitempty"`
	Message string `cbor:"13,keyasint,omitempty"`
}

// FrameCodec sends and receives frames as binary websocket messages in
// canonical CBOR. Both the session and the relay speak through it.
var FrameCodec = websocket.Codec{
	Marshal: func(value any) ([]byte, byte, error) {
		data, err := codec.Marshal(value)
		return data, websocket.BinaryFrame, err
	},
	Unmarshal: func(data []byte, payloadType byte, value any) error {
		return codec.Unmarshal(data, value)
	},
}

// AuthenticationMessage is the byte string a client signs during the
// handshake: the server's nonce bound to the share it is joining.
// Binding the share prevents replaying a signature from one share's
// handshake against another.
func AuthenticationMessage(nonce []byte, share ref.ShareID) []byte {
	message := make([]byte, 0, len(nonce)+ref.ShareIDLength)
	message = append(message, nonce...)
	message = append(message, share.String()...)
	return message
}
