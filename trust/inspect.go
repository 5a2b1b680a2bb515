// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
)

// Membership is a read-only materialization of an exported graph, for
// parties that verify peers without holding a member identity. The
// relay uses it to check transport handshakes against the announced
// team.
type Membership struct {
	shareID ref.ShareID
	name    string
	devices map[ref.DeviceID]Device
	revoked map[ref.DeviceID]bool
}

// InspectExport replays an exported graph into a Membership. The same
// validation as a member replica applies: semantically invalid events
// are skipped, so the view matches what members materialize.
func InspectExport(exported []byte) (*Membership, error) {
	file, err := decodeTeamFile(exported)
	if err != nil {
		return nil, err
	}

	replica := &Team{
		name:    file.Name,
		shareID: file.ShareID,
		logger:  slog.New(slog.DiscardHandler),
		events:  make(map[EventID]*Event, len(file.Events)),
		state:   newGraphState(),
	}
	for _, wire := range file.Events {
		event, err := decodeEvent(wire)
		if err != nil {
			return nil, err
		}
		replica.events[event.ID] = event
	}
	replica.rebuildSkippingAll(nil)

	membership := &Membership{
		shareID: file.ShareID,
		name:    file.Name,
		devices: make(map[ref.DeviceID]Device, len(replica.state.devices)),
		revoked: make(map[ref.DeviceID]bool),
	}
	for id, device := range replica.state.devices {
		membership.devices[id] = device
		if replica.state.revokedDevices[id] || replica.state.revokedUsers[device.User] {
			membership.revoked[id] = true
		}
	}
	return membership, nil
}

// ShareID returns the share identifier of the inspected graph.
func (m *Membership) ShareID() ref.ShareID { return m.shareID }

// Name returns the team name of the inspected graph.
func (m *Membership) Name() string { return m.name }

// DeviceKey returns the signing key of a non-revoked member device.
func (m *Membership) DeviceKey(id ref.DeviceID) (ed25519.PublicKey, bool) {
	device, known := m.devices[id]
	if !known || m.revoked[id] {
		return nil, false
	}
	return ed25519.PublicKey(device.SigningKey), true
}

// MergeExports unions two exported graphs of the same share: the event
// sets and keyrings combine, the envelope comes from the first export.
// Neither input requires an identity, so a relay can accumulate the
// announcements of successive peers.
func MergeExports(a, b []byte) ([]byte, error) {
	fileA, err := decodeTeamFile(a)
	if err != nil {
		return nil, err
	}
	fileB, err := decodeTeamFile(b)
	if err != nil {
		return nil, err
	}
	if fileA.ShareID != fileB.ShareID {
		return nil, fmt.Errorf("trust: merging exports of different shares %s and %s", fileA.ShareID, fileB.ShareID)
	}

	seen := make(map[EventID]bool, len(fileA.Events))
	events := make([]wireEvent, 0, len(fileA.Events)+len(fileB.Events))
	for _, wires := range [][]wireEvent{fileA.Events, fileB.Events} {
		for _, wire := range wires {
			event, err := decodeEvent(wire)
			if err != nil {
				return nil, err
			}
			if seen[event.ID] {
				continue
			}
			seen[event.ID] = true
			events = append(events, wire)
		}
	}

	keyring := make(map[string]string, len(fileA.Keyring)+len(fileB.Keyring))
	for device, sealedKey := range fileA.Keyring {
		keyring[device] = sealedKey
	}
	for device, sealedKey := range fileB.Keyring {
		if _, exists := keyring[device]; !exists {
			keyring[device] = sealedKey
		}
	}

	return codec.Marshal(teamFile{
		Version: teamFileVersion,
		Name:    fileA.Name,
		ShareID: fileA.ShareID,
		Events:  events,
		Keyring: keyring,
	})
}
