// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/docsync"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/store"
	"github.com/roaringroster/core/trust"
)

func newTestRepo(t *testing.T) *docsync.Repo {
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
	repo := docsync.NewRepo(db, docsync.Config{})
	t.Cleanup(func() {
		repo.Close()
		db.Close()
		buffer.Close()
	})
	return repo
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

func TestCreateAndOpen(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	team, _ := newTestTeam(t)
	actor := ref.NewActorID()

	org, err := Create(ctx, repo, team, "Acme Clinic", actor)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	name, err := org.Name()
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if name != "Acme Clinic" {
		t.Errorf("name = %q, want %q", name, "Acme Clinic")
	}

	reopened, err := Open(repo, org.Handle())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if name, _ := reopened.Name(); name != "Acme Clinic" {
		t.Errorf("reopened name = %q", name)
	}

	// The root document must be in the share's index.
	registered, err := repo.RegisteredDocuments(ctx, team.ShareID())
	if err != nil {
		t.Fatalf("RegisteredDocuments: %v", err)
	}
	if len(registered) != 1 || registered[0] != org.Handle().ID() {
		t.Errorf("registered = %v, want the root document", registered)
	}
}

func TestOpenRejectsForeignDocument(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	handle, err := repo.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Open(repo, handle); err == nil {
		t.Fatal("Open accepted a document without a schema version")
	}
}

func TestTeams(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	team, founder := newTestTeam(t)
	actor := ref.NewActorID()

	org, err := Create(ctx, repo, team, "Acme", actor)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = org.AddTeam(ctx, "night", Team{
		Name:    "Night shift",
		Members: []ref.UserID{founder.User.ID},
		Admins:  []ref.UserID{founder.User.ID},
	}, actor)
	if err != nil {
		t.Fatalf("AddTeam: %v", err)
	}

	teams, err := org.Teams()
	if err != nil {
		t.Fatalf("Teams: %v", err)
	}
	night, exists := teams["night"]
	if !exists {
		t.Fatalf("teams = %v, want night shift", teams)
	}
	if night.Name != "Night shift" || night.Version != SchemaVersion {
		t.Errorf("team = %+v", night)
	}
}

func TestEnrollAndRemove(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	team, founder := newTestTeam(t)
	actor := ref.NewActorID()

	org, err := Create(ctx, repo, team, "Acme", actor)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	member, err := org.Enroll(ctx, team, founder.User.ID, founder.User.Name, actor)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	for _, id := range member.documentIDs() {
		if id.IsZero() {
			t.Fatalf("member has an unallocated planning document: %+v", member)
		}
	}

	// Root document plus four planning documents.
	registered, err := repo.RegisteredDocuments(ctx, team.ShareID())
	if err != nil {
		t.Fatalf("RegisteredDocuments: %v", err)
	}
	if len(registered) != 5 {
		t.Fatalf("index has %d documents, want 5", len(registered))
	}

	if _, err := org.Enroll(ctx, team, founder.User.ID, "again", actor); err == nil {
		t.Fatal("Enroll accepted a duplicate member")
	}

	if err := org.RemoveMember(ctx, team, founder.User.ID, actor); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if _, err := org.Member(founder.User.ID); !apperror.Is(err, apperror.ObjectDoesNotExist) {
		t.Errorf("Member after removal: %v, want OBJECT_DOES_NOT_EXIST", err)
	}
	former, err := org.FormerMembers()
	if err != nil {
		t.Fatalf("FormerMembers: %v", err)
	}
	if _, exists := former[founder.User.ID.String()]; !exists {
		t.Errorf("removed member is not in formerMembers")
	}

	registered, err = repo.RegisteredDocuments(ctx, team.ShareID())
	if err != nil {
		t.Fatalf("RegisteredDocuments: %v", err)
	}
	if len(registered) != 1 {
		t.Errorf("index has %d documents after removal, want only the root", len(registered))
	}
}

func TestSelectionOptions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	team, _ := newTestTeam(t)
	actor := ref.NewActorID()

	org, err := Create(ctx, repo, team, "Acme", actor)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := org.SetSelectionOption(ctx, "vacation", SelectionOption{Label: "Vacation"}, actor); err != nil {
		t.Fatalf("SetSelectionOption: %v", err)
	}
	options, err := org.SelectionOptions()
	if err != nil {
		t.Fatalf("SelectionOptions: %v", err)
	}
	if options["vacation"].Label != "Vacation" {
		t.Errorf("options = %v", options)
	}
}
