// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roaringroster/core/docsync"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/lib/testutil"
	"github.com/roaringroster/core/relay"
	"github.com/roaringroster/core/session"
	"github.com/roaringroster/core/store"
	"github.com/roaringroster/core/trust"
)

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	server, err := relay.New(relay.Config{})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return server, strings.TrimPrefix(httpServer.URL, "http://")
}

func openTestRepo(t *testing.T) *docsync.Repo {
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

func newIdentity(t *testing.T, username string) *trust.Identity {
	t.Helper()
	identity, err := trust.NewIdentity(username, "test device")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	t.Cleanup(func() { identity.Close() })
	return identity
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAndJoin(t *testing.T) {
	relayServer, address := startRelay(t)

	founder := newIdentity(t, "alice")
	team, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	s := session.New(session.Config{
		Server:   address,
		Share:    team.ShareID(),
		Identity: founder,
		Team:     team,
		Repo:     openTestRepo(t),
		Insecure: true,
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.State(); got != session.StateJoined {
		t.Errorf("state = %s, want %s", got, session.StateJoined)
	}
	if got := s.ServerKey(); !ed25519.PublicKey(got).Equal(relayServer.PublicKey()) {
		t.Errorf("pinned server key does not match the relay key")
	}
}

func TestStateTransitions(t *testing.T) {
	_, address := startRelay(t)

	founder := newIdentity(t, "alice")
	team, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	states := make(chan session.State, 16)
	s := session.New(session.Config{
		Server:   address,
		Share:    team.ShareID(),
		Identity: founder,
		Team:     team,
		Repo:     openTestRepo(t),
		Insecure: true,
		OnState:  func(state session.State) { states <- state },
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []session.State{
		session.StateConnecting, session.StateReady,
		session.StateConnected, session.StateJoined,
	}
	for _, wanted := range want {
		got := testutil.RequireReceive(t, states, 5*time.Second, "waiting for state %s", wanted)
		if got != wanted {
			t.Fatalf("state transition = %s, want %s", got, wanted)
		}
	}
}

// retainedGraph connects a fresh guest and returns the graph the relay
// replays to it, proving the share's state was retained.
func retainedGraph(t *testing.T, ctx context.Context, address string, share ref.ShareID) []byte {
	t.Helper()
	guest := newIdentity(t, "guest")
	s := session.New(session.Config{
		Server:   address,
		Share:    share,
		Identity: guest,
		Repo:     openTestRepo(t),
		Insecure: true,
	})
	defer s.Close()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("guest Connect: %v", err)
	}
	graph, err := s.AwaitGraph(ctx)
	if err != nil {
		t.Fatalf("AwaitGraph: %v", err)
	}
	return graph
}

// TestLoneMemberReannounces covers the self-healing path: a member
// alone on the relay re-announces its graph once the grace window
// passes with no peer in sight, so the share's state is retained for
// later joiners.
func TestLoneMemberReannounces(t *testing.T) {
	_, address := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	founder := newIdentity(t, "alice")
	team, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	s := session.New(session.Config{
		Server:      address,
		Share:       team.ShareID(),
		Identity:    founder,
		Team:        team,
		Repo:        openTestRepo(t),
		GraceWindow: 100 * time.Millisecond,
		Insecure:    true,
	})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// No explicit publish: the graph must reach the relay through the
	// re-announce alone. The member disconnects before the guest
	// appears, so nothing else can have carried it.
	time.Sleep(500 * time.Millisecond)
	s.Close()

	graph := retainedGraph(t, ctx, address, team.ShareID())
	membership, err := trust.InspectExport(graph)
	if err != nil {
		t.Fatalf("InspectExport: %v", err)
	}
	if got := membership.ShareID(); got != team.ShareID() {
		t.Errorf("retained graph share = %s, want %s", got, team.ShareID())
	}
}

// TestSetTeamArmsReannounce checks the same self-healing window when
// the team arrives after the connection, as it does for a joiner that
// is admitted mid-session.
func TestSetTeamArmsReannounce(t *testing.T) {
	_, address := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	founder := newIdentity(t, "alice")
	team, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	s := session.New(session.Config{
		Server:      address,
		Share:       team.ShareID(),
		Identity:    founder,
		Repo:        openTestRepo(t),
		GraceWindow: 100 * time.Millisecond,
		Insecure:    true,
	})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.SetTeam(team)
	time.Sleep(500 * time.Millisecond)
	s.Close()

	graph := retainedGraph(t, ctx, address, team.ShareID())
	if _, err := trust.InspectExport(graph); err != nil {
		t.Fatalf("InspectExport: %v", err)
	}
}

func TestPinnedServerKeyMismatch(t *testing.T) {
	_, address := startRelay(t)

	founder := newIdentity(t, "alice")
	team, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()

	wrongKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	s := session.New(session.Config{
		Server:          address,
		Share:           team.ShareID(),
		Identity:        founder,
		Team:            team,
		Repo:            openTestRepo(t),
		PinnedServerKey: wrongKey,
		Insecure:        true,
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded against a server with the wrong key")
	}
	if got := s.State(); got != session.StateDisconnected {
		t.Errorf("state = %s, want %s", got, session.StateDisconnected)
	}
}

// TestTwoPeersConverge drives the full replication path: the founder
// publishes a document, a second member connects, both mutate, and
// both replicas converge.
func TestTwoPeersConverge(t *testing.T) {
	_, address := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Founder side.
	founder := newIdentity(t, "alice")
	teamA, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer teamA.Close()
	repoA := openTestRepo(t)

	seed := []byte(ref.RandomBase58(16))
	if _, err := teamA.RegisterInvitation(seed); err != nil {
		t.Fatalf("RegisterInvitation: %v", err)
	}

	handleA, err := repoA.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	actorA := ref.NewActorID()
	err = repoA.Change(ctx, handleA, func(m *docsync.Mutation) {
		m.Set("x", int64(1))
	}, docsync.ChangeMeta{Actor: actorA})
	if err != nil {
		t.Fatalf("Change: %v", err)
	}
	if err := repoA.RegisterInTeam(ctx, handleA, teamA, actorA); err != nil {
		t.Fatalf("RegisterInTeam: %v", err)
	}

	sessionA := session.New(session.Config{
		Server:   address,
		Share:    teamA.ShareID(),
		Identity: founder,
		Team:     teamA,
		Repo:     repoA,
		Insecure: true,
	})
	defer sessionA.Close()
	if err := sessionA.Connect(ctx); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	if err := sessionA.PublishAll(ctx); err != nil {
		t.Fatalf("PublishAll A: %v", err)
	}

	// Member side: admission happens against the exported graph, then
	// the session carries the admission to the founder.
	member := newIdentity(t, "bob")
	exported, err := teamA.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	teamB, err := trust.Join(exported, seed, member, trust.Config{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer teamB.Close()
	repoB := openTestRepo(t)

	sessionB := session.New(session.Config{
		Server:   address,
		Share:    teamA.ShareID(),
		Identity: member,
		Team:     teamB,
		Repo:     repoB,
		Insecure: true,
	})
	defer sessionB.Close()
	if err := sessionB.Connect(ctx); err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	if err := sessionB.PublishAll(ctx); err != nil {
		t.Fatalf("PublishAll B: %v", err)
	}

	// The founder merges the admission from B's announce and seals the
	// team key to the new device.
	waitFor(t, "founder to see the new member", func() bool {
		return len(teamA.Members()) == 2
	})
	waitFor(t, "member to obtain the team key", func() bool {
		return teamB.HasTeamKey()
	})

	// B receives A's document, mutates it, and A converges.
	waitFor(t, "document to reach the member", func() bool {
		ids, err := repoB.ListDocuments(ctx)
		return err == nil && len(ids) == 1
	})
	handleB, err := repoB.Find(ctx, handleA.ID())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if err := handleB.WhenReady(ctx); err != nil {
		t.Fatalf("WhenReady: %v", err)
	}
	actorB := ref.NewActorID()
	err = repoB.Change(ctx, handleB, func(m *docsync.Mutation) {
		m.Set("y", int64(2))
	}, docsync.ChangeMeta{Actor: actorB})
	if err != nil {
		t.Fatalf("Change B: %v", err)
	}
	if err := sessionB.PublishDocument(ctx, handleB.ID()); err != nil {
		t.Fatalf("PublishDocument B: %v", err)
	}

	waitFor(t, "replicas to converge", func() bool {
		docA, err := handleA.Doc()
		if err != nil {
			return false
		}
		view := docA.View()
		return view["x"] == int64(1) && view["y"] == int64(2)
	})
	docB, err := handleB.Doc()
	if err != nil {
		t.Fatalf("Doc B: %v", err)
	}
	view := docB.View()
	if view["x"] != int64(1) || view["y"] != int64(2) {
		t.Errorf("member view = %v, want x=1 y=2", view)
	}
}

// TestOfflineConvergence mutates on a disconnected replica and checks
// both sides converge after it reconnects.
func TestOfflineConvergence(t *testing.T) {
	_, address := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	founder := newIdentity(t, "alice")
	team, err := trust.CreateTeam("Acme", founder, trust.Config{})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	defer team.Close()
	repoA := openTestRepo(t)
	repoB := openTestRepo(t)

	handleA, err := repoA.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	actorA := ref.NewActorID()
	err = repoA.Change(ctx, handleA, func(m *docsync.Mutation) {
		m.Set("x", int64(1))
	}, docsync.ChangeMeta{Actor: actorA})
	if err != nil {
		t.Fatalf("Change: %v", err)
	}

	connect := func(identity *trust.Identity, repo *docsync.Repo) *session.Session {
		s := session.New(session.Config{
			Server:   address,
			Share:    team.ShareID(),
			Identity: identity,
			Team:     team,
			Repo:     repo,
			Insecure: true,
		})
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		return s
	}

	// B starts offline: it never connects, and mutates independently.
	actorB := ref.NewActorID()
	if err := repoB.ApplyRemote(ctx, handleA.ID(), mustExport(t, ctx, repoA, handleA.ID())); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	handleB, err := repoB.Find(ctx, handleA.ID())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	err = repoB.Change(ctx, handleB, func(m *docsync.Mutation) {
		m.Set("y", int64(2))
	}, docsync.ChangeMeta{Actor: actorB})
	if err != nil {
		t.Fatalf("Change B: %v", err)
	}

	sessionA := connect(founder, repoA)
	defer sessionA.Close()
	if err := sessionA.PublishAll(ctx); err != nil {
		t.Fatalf("PublishAll A: %v", err)
	}

	// B comes online and publishes its offline edit. The founder's
	// identity is reused here because both replicas belong to the same
	// device in this scenario.
	sessionB := connect(founder, repoB)
	defer sessionB.Close()
	if err := sessionB.PublishDocument(ctx, handleB.ID()); err != nil {
		t.Fatalf("PublishDocument B: %v", err)
	}

	waitFor(t, "replicas to converge", func() bool {
		docA, errA := handleA.Doc()
		docB, errB := handleB.Doc()
		if errA != nil || errB != nil {
			return false
		}
		viewA, viewB := docA.View(), docB.View()
		return viewA["x"] == int64(1) && viewA["y"] == int64(2) &&
			viewB["x"] == int64(1) && viewB["y"] == int64(2)
	})
}

func mustExport(t *testing.T, ctx context.Context, repo *docsync.Repo, id ref.DocumentID) []byte {
	t.Helper()
	snapshot, err := repo.ExportDocument(ctx, id)
	if err != nil {
		t.Fatalf("ExportDocument: %v", err)
	}
	return snapshot
}
