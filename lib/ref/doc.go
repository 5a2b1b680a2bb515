// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines the typed identifiers that flow between the
// trust graph, document engine, store, and session: ShareID (a team's
// trust graph on the network), DocumentID (a CRDT document), ActorID
// (the replica that produced a mutation), UserID, and DeviceID.
//
// Each type wraps an unexported string so that identifiers of
// different kinds cannot be confused at compile time. All types
// implement encoding.TextMarshaler/TextUnmarshaler and therefore
// serialize as plain strings in CBOR and JSON.
package ref
