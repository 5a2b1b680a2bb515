// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"fmt"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/store"
)

// recordType tags persisted graphs in the store's local table.
const recordType = "trustgraph"

// persistedTeam is the at-rest form of a replica: the exchange format
// plus the unsealed team key. The store encrypts the whole record, so
// the key is never on disk in cleartext.
type persistedTeam struct {
	Exported []byte `cbor:"1,keyasint"`
	TeamKey  []byte `cbor:"2,keyasint,omitempty"`
}

func recordID(share ref.ShareID) string {
	return "trustgraph_" + share.String()
}

// Save writes the team to the account store. Called after every
// local mutation and every merge that adopted events.
func Save(ctx context.Context, db *store.Store, team *Team) error {
	team.mu.Lock()
	defer team.mu.Unlock()

	exported, err := team.export()
	if err != nil {
		return err
	}
	record := persistedTeam{Exported: exported}
	if team.teamKey != nil {
		record.TeamKey = append([]byte(nil), team.teamKey.Bytes()...)
	}
	value, err := codec.Marshal(record)
	if err != nil {
		secret.Zero(record.TeamKey)
		return fmt.Errorf("trust: encoding team for storage: %w", err)
	}
	err = db.PutLocal(ctx, store.Record{
		ID:    recordID(team.shareID),
		Type:  recordType,
		Value: value,
	})
	secret.Zero(record.TeamKey)
	secret.Zero(value)
	return err
}

// Load reconstructs a team replica from the account store. The
// identity is this installation's identity within the team.
func Load(ctx context.Context, db *store.Store, share ref.ShareID, identity *Identity, cfg Config) (*Team, error) {
	cfg.fill()

	stored, err := db.GetLocal(ctx, recordID(share))
	if err != nil {
		return nil, err
	}
	var record persistedTeam
	if err := codec.Unmarshal(stored.Value, &record); err != nil {
		return nil, fmt.Errorf("trust: decoding stored team: %w", err)
	}

	file, err := decodeTeamFile(record.Exported)
	if err != nil {
		return nil, err
	}
	if file.ShareID != share {
		return nil, fmt.Errorf("trust: stored team has share %s, want %s", file.ShareID, share)
	}

	team := &Team{
		name:          file.Name,
		shareID:       share,
		identity:      identity,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		events:        make(map[EventID]*Event),
		state:         newGraphState(),
		keyring:       make(map[ref.DeviceID]string),
		notifications: make(chan Notification, 16),
	}
	for _, wire := range file.Events {
		event, err := decodeEvent(wire)
		if err != nil {
			return nil, err
		}
		team.events[event.ID] = event
	}
	team.rebuildSkippingAll(nil)
	team.adoptKeyring(file.Keyring)

	if team.teamKey == nil && len(record.TeamKey) == teamKeySize {
		buffer, err := secret.NewFromBytes(record.TeamKey)
		if err != nil {
			return nil, fmt.Errorf("trust: protecting stored team key: %w", err)
		}
		team.teamKey = buffer
	}
	return team, nil
}

// HasTeam reports whether a persisted graph exists for the share.
func HasTeam(ctx context.Context, db *store.Store, share ref.ShareID) (bool, error) {
	_, err := db.GetLocal(ctx, recordID(share))
	if err == nil {
		return true, nil
	}
	if apperror.Is(err, apperror.ObjectDoesNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes a persisted graph, used when an account leaves an
// organization.
func Delete(ctx context.Context, db *store.Store, share ref.ShareID) error {
	return db.DeleteLocal(ctx, recordID(share))
}
