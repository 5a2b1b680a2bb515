// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package invite

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/clock"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/store"
	"github.com/roaringroster/core/trust"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := make([]byte, store.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	buffer, err := secret.NewFromBytes(key)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	db, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "account.test"),
		Key:  buffer,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		buffer.Close()
	})
	return db
}

func newTestTeam(t *testing.T) (*trust.Team, *trust.Identity) {
	t.Helper()
	founder, err := trust.NewIdentity("alice", "test device")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	t.Cleanup(func() { founder.Close() })
	team, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	t.Cleanup(func() { team.Close() })
	return team, founder
}

func TestCodeRoundTrip(t *testing.T) {
	share := ref.NewShareID()
	seed := ref.RandomBase58(seedLength)

	code := BuildCode(share, seed)
	if len(code) != CodeLength {
		t.Fatalf("code length = %d, want %d", len(code), CodeLength)
	}
	if !strings.HasSuffix(code, versionMarker) {
		t.Errorf("code %q does not end with the version marker", code)
	}

	gotShare, gotSeed, err := ParseCode(code)
	if err != nil {
		t.Fatalf("ParseCode: %v", err)
	}
	if gotShare != share {
		t.Errorf("share = %s, want %s", gotShare, share)
	}
	if gotSeed != seed {
		t.Errorf("seed = %q, want %q", gotSeed, seed)
	}
}

func TestParseCodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"too short":         "abc",
		"too long":          strings.Repeat("2", CodeLength+1),
		"bad share id char": "0" + strings.Repeat("2", CodeLength-1),
		"bad seed char":     strings.Repeat("2", ref.ShareIDLength) + "O" + strings.Repeat("2", seedLength),
	}
	for name, code := range cases {
		if _, _, err := ParseCode(code); !apperror.Is(err, apperror.InvitationProofInvalid) {
			t.Errorf("%s: ParseCode(%q) = %v, want INVITATION_PROOF_INVALID", name, code, err)
		}
	}
}

func TestCreateAndRedeem(t *testing.T) {
	ctx := context.Background()
	team, _ := newTestTeam(t)
	protocol := New(openTestStore(t), nil, nil)

	code, err := protocol.Create(ctx, team, time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	joiner, err := trust.NewIdentity("bob", "test device")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	defer joiner.Close()

	replica, err := Redeem(code, exported, joiner, trust.Config{})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	defer replica.Close()
	if len(replica.Members()) != 2 {
		t.Fatalf("replica has %d members after redemption, want 2", len(replica.Members()))
	}

	// Single use: redeeming the same code against the updated graph
	// fails.
	updated, err := replica.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	carol, err := trust.NewIdentity("carol", "test device")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	defer carol.Close()
	if _, err := Redeem(code, updated, carol, trust.Config{}); !apperror.Is(err, apperror.InvitationProofInvalid) {
		t.Fatalf("second Redeem: got %v, want INVITATION_PROOF_INVALID", err)
	}
}

func TestListPurgesExpired(t *testing.T) {
	ctx := context.Background()
	team, _ := newTestTeam(t)
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	protocol := New(openTestStore(t), fake, nil)

	expiring, err := protocol.Create(ctx, team, fake.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := protocol.Create(ctx, team, time.Time{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pending, err := protocol.List(ctx, team)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("List before expiry returned %d entries, want 2", len(pending))
	}

	fake.Advance(2 * time.Hour)
	pending, err = protocol.List(ctx, team)
	if err != nil {
		t.Fatalf("List after expiry: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("List after expiry returned %d entries, want 1", len(pending))
	}

	// The purge persisted: a fresh read shows one entry too.
	pending, err = protocol.List(ctx, team)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("purge was not persisted, got %d entries", len(pending))
	}

	// The expired code can no longer be redeemed.
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	joiner, err := trust.NewIdentity("bob", "test device")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	defer joiner.Close()
	if _, err := Redeem(expiring, exported, joiner, trust.Config{}); !apperror.Is(err, apperror.InvitationProofInvalid) {
		t.Fatalf("Redeem of expired code: got %v, want INVITATION_PROOF_INVALID", err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	team, _ := newTestTeam(t)
	protocol := New(openTestStore(t), nil, nil)

	code, err := protocol.Create(ctx, team, time.Time{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pending, err := protocol.List(ctx, team)
	if err != nil || len(pending) != 1 {
		t.Fatalf("List = (%v, %v), want one entry", pending, err)
	}

	if err := protocol.Revoke(ctx, team, pending[0].ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	after, err := protocol.List(ctx, team)
	if err != nil {
		t.Fatalf("List after revoke: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("List after revoke returned %d entries, want 0", len(after))
	}

	// Revoked codes fail identically to expired or consumed ones.
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	joiner, err := trust.NewIdentity("bob", "test device")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	defer joiner.Close()
	if _, err := Redeem(code, exported, joiner, trust.Config{}); !apperror.Is(err, apperror.InvitationProofInvalid) {
		t.Fatalf("Redeem of revoked code: got %v, want INVITATION_PROOF_INVALID", err)
	}

	if err := protocol.Revoke(ctx, team, "missing"); !apperror.Is(err, apperror.ObjectDoesNotExist) {
		t.Fatalf("Revoke of unknown id: got %v, want OBJECT_DOES_NOT_EXIST", err)
	}
}

func TestDeviceCode(t *testing.T) {
	ctx := context.Background()
	team, founder := newTestTeam(t)
	protocol := New(openTestStore(t), nil, nil)

	code, err := protocol.CreateDevice(ctx, team, founder.User.ID, time.Time{})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	second, err := trust.NewIdentity("alice", "second device")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	defer second.Close()
	replica, err := RedeemDevice(code, exported, founder.User.ID, second, trust.Config{})
	if err != nil {
		t.Fatalf("RedeemDevice: %v", err)
	}
	defer replica.Close()

	if len(replica.Members()) != 1 {
		t.Errorf("device redemption created %d members, want 1", len(replica.Members()))
	}
	if devices := replica.Devices(founder.User.ID); len(devices) != 2 {
		t.Errorf("user has %d devices, want 2", len(devices))
	}
}
