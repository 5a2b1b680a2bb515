// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/store"
)

func newTestIdentity(t *testing.T, username string) *Identity {
	t.Helper()
	identity, err := NewIdentity(username, "test device")
	if err != nil {
		t.Fatalf("NewIdentity(%q): %v", username, err)
	}
	t.Cleanup(func() { identity.Close() })
	return identity
}

func newSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("generating seed: %v", err)
	}
	return seed
}

func TestCreateTeam(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	if team.Name() != "Acme" {
		t.Errorf("Name() = %q, want Acme", team.Name())
	}
	if team.ShareID().IsZero() {
		t.Error("ShareID() is zero")
	}
	if !team.IsAdmin(founder.User.ID) {
		t.Error("founder is not admin after creation")
	}
	if members := team.Members(); len(members) != 1 || members[0].ID != founder.User.ID {
		t.Errorf("Members() = %v, want just the founder", members)
	}
	if devices := team.Devices(founder.User.ID); len(devices) != 1 {
		t.Errorf("founder has %d devices, want 1", len(devices))
	}
	if !team.HasTeamKey() {
		t.Error("founder replica has no team key")
	}
}

func TestAdmissionWithoutPromotion(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	seed := newSeed(t)
	if _, err := team.RegisterInvitation(seed); err != nil {
		t.Fatalf("RegisterInvitation: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	joiner := newTestIdentity(t, "bob")
	replica, err := Join(exported, seed, joiner, Config{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer replica.Close()

	if len(replica.Members()) != 2 {
		t.Fatalf("joiner replica has %d members, want 2", len(replica.Members()))
	}
	if replica.IsAdmin(joiner.User.ID) {
		t.Error("newly admitted user is admin without explicit promotion")
	}
	if !replica.IsAdmin(founder.User.ID) {
		t.Error("founder lost admin on joiner replica")
	}
}

func TestInvitationSingleUse(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	seed := newSeed(t)
	if _, err := team.RegisterInvitation(seed); err != nil {
		t.Fatalf("RegisterInvitation: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	first, err := Join(exported, seed, newTestIdentity(t, "bob"), Config{})
	if err != nil {
		t.Fatalf("first Join: %v", err)
	}
	defer first.Close()

	// Second redemption against the updated graph: the invitation is
	// consumed by the first admission.
	updated, err := first.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	_, err = Join(updated, seed, newTestIdentity(t, "carol"), Config{})
	if !apperror.Is(err, apperror.InvitationProofInvalid) {
		t.Fatalf("second Join: got %v, want INVITATION_PROOF_INVALID", err)
	}
}

func TestJoinWithWrongSeed(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	if _, err := team.RegisterInvitation(newSeed(t)); err != nil {
		t.Fatalf("RegisterInvitation: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	_, err = Join(exported, newSeed(t), newTestIdentity(t, "mallory"), Config{})
	if !apperror.Is(err, apperror.InvitationProofInvalid) {
		t.Fatalf("Join with wrong seed: got %v, want INVITATION_PROOF_INVALID", err)
	}
}

func TestMergeConvergenceAndKeyDistribution(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	seed := newSeed(t)
	if _, err := team.RegisterInvitation(seed); err != nil {
		t.Fatalf("RegisterInvitation: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	joiner := newTestIdentity(t, "bob")
	replica, err := Join(exported, seed, joiner, Config{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer replica.Close()
	if replica.HasTeamKey() {
		t.Fatal("joiner holds team key before any peer resealed it")
	}

	// Founder side: merge the joiner's events, observe the
	// admission, reseal the team key to the new device.
	fromJoiner, err := replica.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	adopted, err := team.Merge(fromJoiner)
	if err != nil {
		t.Fatalf("Merge on founder: %v", err)
	}
	if adopted == 0 {
		t.Fatal("founder adopted no events from joiner")
	}
	if len(team.Members()) != 2 {
		t.Fatalf("founder sees %d members, want 2", len(team.Members()))
	}
	if err := team.SealTeamKeyToMembers(); err != nil {
		t.Fatalf("SealTeamKeyToMembers: %v", err)
	}

	// Joiner side: merge back, obtain the sealed key.
	fromFounder, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := replica.Merge(fromFounder); err != nil {
		t.Fatalf("Merge on joiner: %v", err)
	}
	if !replica.HasTeamKey() {
		t.Fatal("joiner did not obtain team key from merged keyring")
	}

	founderKey, err := team.TeamKey()
	if err != nil {
		t.Fatalf("TeamKey on founder: %v", err)
	}
	joinerKey, err := replica.TeamKey()
	if err != nil {
		t.Fatalf("TeamKey on joiner: %v", err)
	}
	if !bytes.Equal(founderKey.Bytes(), joinerKey.Bytes()) {
		t.Fatal("replicas hold different team keys")
	}

	// Merging the same export again adopts nothing.
	again, err := replica.Merge(fromFounder)
	if err != nil {
		t.Fatalf("repeat Merge: %v", err)
	}
	if again != 0 {
		t.Errorf("repeat merge adopted %d events, want 0", again)
	}
}

func TestDeviceAdmission(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	seed := newSeed(t)
	if _, err := team.RegisterDeviceInvitation(seed, founder.User.ID); err != nil {
		t.Fatalf("RegisterDeviceInvitation: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	second := newTestIdentity(t, "alice")
	replica, err := JoinDevice(exported, seed, founder.User.ID, second, Config{})
	if err != nil {
		t.Fatalf("JoinDevice: %v", err)
	}
	defer replica.Close()

	if len(replica.Members()) != 1 {
		t.Fatalf("device admission created %d members, want 1", len(replica.Members()))
	}
	if devices := replica.Devices(founder.User.ID); len(devices) != 2 {
		t.Fatalf("user has %d devices, want 2", len(devices))
	}
}

func TestMessages(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	if _, err := team.LastMessage("rootDocument"); !apperror.Is(err, apperror.ObjectDoesNotExist) {
		t.Fatalf("LastMessage on empty log: got %v, want OBJECT_DOES_NOT_EXIST", err)
	}

	if err := team.AppendMessage("rootDocument", []byte("doc-1")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := team.AppendMessage("rootDocument", []byte("doc-2")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := team.AppendMessage("other", []byte("x")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	messages := team.Messages("rootDocument")
	if len(messages) != 2 {
		t.Fatalf("Messages returned %d entries, want 2", len(messages))
	}
	last, err := team.LastMessage("rootDocument")
	if err != nil {
		t.Fatalf("LastMessage: %v", err)
	}
	if string(last) != "doc-2" {
		t.Errorf("LastMessage = %q, want doc-2", last)
	}

	if err := team.AppendMessage(messageTypeInvitation, []byte("x")); err == nil {
		t.Error("AppendMessage accepted the reserved invitation type")
	}
}

func TestRevocation(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	seed := newSeed(t)
	if _, err := team.RegisterInvitation(seed); err != nil {
		t.Fatalf("RegisterInvitation: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	joiner := newTestIdentity(t, "bob")
	replica, err := Join(exported, seed, joiner, Config{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer replica.Close()
	fromJoiner, err := replica.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := team.Merge(fromJoiner); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// Non-admin cannot revoke.
	if err := replica.RevokeUser(founder.User.ID); err == nil {
		t.Fatal("non-admin revocation succeeded")
	}

	if err := team.RevokeUser(joiner.User.ID); err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	if len(team.Members()) != 1 {
		t.Fatalf("after revocation founder sees %d members, want 1", len(team.Members()))
	}
	if len(team.Devices(joiner.User.ID)) != 0 {
		t.Error("revoked user still has visible devices")
	}
}

func TestJoinedNotification(t *testing.T) {
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	seed := newSeed(t)
	if _, err := team.RegisterInvitation(seed); err != nil {
		t.Fatalf("RegisterInvitation: %v", err)
	}
	exported, err := team.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	joiner := newTestIdentity(t, "bob")
	replica, err := Join(exported, seed, joiner, Config{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer replica.Close()
	fromJoiner, err := replica.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := team.Merge(fromJoiner); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	select {
	case notification := <-team.Notifications():
		if notification.Kind != NotificationJoined {
			t.Fatalf("notification kind = %q, want joined", notification.Kind)
		}
		if notification.User.ID != joiner.User.ID {
			t.Errorf("joined user = %s, want %s", notification.User.ID, joiner.User.ID)
		}
	default:
		t.Fatal("no joined notification after merge")
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	founder := newTestIdentity(t, "alice")
	team, err := CreateTeam("Acme", founder, Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()
	if err := team.AppendMessage("rootDocument", []byte("doc-1")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	key := make([]byte, store.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating store key: %v", err)
	}
	keyBuffer, err := secret.NewFromBytes(key)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer keyBuffer.Close()
	db, err := store.Open(ctx, store.Config{
		Path: filepath.Join(t.TempDir(), "account.alice"),
		Key:  keyBuffer,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	share := team.ShareID()
	if exists, err := HasTeam(ctx, db, share); err != nil || exists {
		t.Fatalf("HasTeam before save = (%v, %v), want (false, nil)", exists, err)
	}
	if err := Save(ctx, db, team); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if exists, err := HasTeam(ctx, db, share); err != nil || !exists {
		t.Fatalf("HasTeam after save = (%v, %v), want (true, nil)", exists, err)
	}

	loaded, err := Load(ctx, db, share, founder, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	if loaded.Name() != "Acme" {
		t.Errorf("loaded Name = %q, want Acme", loaded.Name())
	}
	if len(loaded.Members()) != 1 {
		t.Errorf("loaded team has %d members, want 1", len(loaded.Members()))
	}
	if !loaded.HasTeamKey() {
		t.Error("loaded team lost its key")
	}
	last, err := loaded.LastMessage("rootDocument")
	if err != nil || string(last) != "doc-1" {
		t.Errorf("loaded LastMessage = (%q, %v), want doc-1", last, err)
	}

	if err := Delete(ctx, db, share); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if exists, _ := HasTeam(ctx, db, share); exists {
		t.Error("HasTeam true after Delete")
	}
}
