// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package session maintains an authenticated websocket connection to a
// relay server and replicates documents and trust-graph state across
// it. A session composes the document repo and the trust graph; it
// never gates local writes, which stay available through every
// connectivity state.
package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/docsync"
	"github.com/roaringroster/core/lib/clock"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/trust"
)

// State is the connectivity state of a session.
type State string

const (
	// StateDisconnected is the initial state and the state after any
	// transport drop or protocol error. Non-fatal: Connect may be
	// called again.
	StateDisconnected State = "disconnected"

	// StateConnecting covers dialing and the handshake.
	StateConnecting State = "connecting"

	// StateReady means both readiness signals arrived: the trust graph
	// is loaded and the transport handshake completed.
	StateReady State = "ready"

	// StateConnected means the session is exchanging sync frames.
	StateConnected State = "connected"

	// StateJoined means the local device is an admitted member of the
	// share's trust graph while connected.
	StateJoined State = "joined"
)

// defaultGraceWindow is how long a freshly connected session waits for
// peer presence before re-announcing its persisted graph.
const defaultGraceWindow = 5 * time.Second

// Config configures a session.
type Config struct {
	// Server is the relay host, host or host:port.
	Server string

	// Share addresses the organization on the relay.
	Share ref.ShareID

	// Identity signs the transport handshake.
	Identity *trust.Identity

	// Team is the local trust-graph replica. Nil for a joiner that has
	// no graph yet; incoming graph frames are then held for AwaitGraph
	// and the graph readiness signal waits for SetTeam.
	Team *trust.Team

	// Repo receives incoming document and index snapshots.
	Repo *docsync.Repo

	// PinnedServerKey, when set, is the only server public key the
	// session will complete a handshake with. When empty the key from
	// the first hello is pinned for the lifetime of the session.
	PinnedServerKey []byte

	// GraceWindow overrides the 5 second re-announce window.
	GraceWindow time.Duration

	// OnState, when set, is called synchronously on every state
	// transition.
	OnState func(State)

	// Insecure dials ws:// instead of wss://, for tests and local
	// relays.
	Insecure bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is a resilient connection to one share on one relay server.
// Methods are safe for concurrent use.
type Session struct {
	server      string
	share       ref.ShareID
	identity    *trust.Identity
	repo        *docsync.Repo
	graceWindow time.Duration
	onState     func(State)
	insecure    bool
	clock       clock.Clock
	logger      *slog.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	team          *trust.Team
	serverKey     []byte
	handshakeDone bool
	peerSeen      bool
	graceTimer    *clock.Timer
	pendingGraph  []byte
	graphArrived  chan struct{}
	closed        bool
}

// New creates a session in the disconnected state.
func New(cfg Config) *Session {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		server:       cfg.Server,
		share:        cfg.Share,
		identity:     cfg.Identity,
		repo:         cfg.Repo,
		graceWindow:  cfg.GraceWindow,
		onState:      cfg.OnState,
		insecure:     cfg.Insecure,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		state:        StateDisconnected,
		team:         cfg.Team,
		serverKey:    cfg.PinnedServerKey,
		graphArrived: make(chan struct{}, 1),
	}
}

// State returns the current connectivity state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerKey returns the pinned server public key, or nil before the
// first completed handshake.
func (s *Session) ServerKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.serverKey...)
}

// SetTeam supplies the trust-graph replica, marking the graph
// readiness signal. Needed by joiners that connect before their
// admission produces a Team.
func (s *Session) SetTeam(team *trust.Team) {
	s.mu.Lock()
	s.team = team
	ready := s.handshakeDone && team != nil
	s.mu.Unlock()
	if ready {
		s.setState(StateReady)
		s.setState(StateConnected)
		s.refreshJoined()
		s.armGraceTimer()
	}
}

// setState transitions the state and invokes the observer outside the
// lock.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	callback := s.onState
	s.mu.Unlock()

	s.logger.Debug("session state", "share", s.share.String(), "state", string(next))
	if callback != nil {
		callback(next)
	}
}

func (s *Session) url() string {
	scheme := "wss"
	if s.insecure {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, s.server, s.share)
}

// Connect dials the relay and runs the authenticated handshake. On
// return the session is at least ready (connected when the graph is
// loaded) and the receive loop is running. The context bounds dialing
// and the handshake; expiry classifies as TIMEOUT.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperror.Newf(apperror.GenericError, "session is closed")
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := s.handshake(conn); err != nil {
		conn.Close()
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return apperror.Wrap(apperror.Timeout, ctx.Err())
		}
		return err
	}
	conn.SetDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.handshakeDone = true
	s.peerSeen = false
	graphLoaded := s.team != nil
	s.mu.Unlock()

	go s.readLoop(conn)

	if graphLoaded {
		s.setState(StateReady)
		s.setState(StateConnected)
		s.refreshJoined()
		s.armGraceTimer()
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	config, err := websocket.NewConfig(s.url(), "http://"+s.server+"/")
	if err != nil {
		return nil, fmt.Errorf("session: building dial config: %w", err)
	}

	type dialResult struct {
		conn *websocket.Conn
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, err := websocket.DialConfig(config)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case result := <-results:
		if result.err != nil {
			return nil, fmt.Errorf("session: dialing %s: %w", s.url(), result.err)
		}
		return result.conn, nil
	case <-ctx.Done():
		go func() {
			if result := <-results; result.conn != nil {
				result.conn.Close()
			}
		}()
		return nil, apperror.Wrap(apperror.Timeout, ctx.Err())
	}
}

// handshake runs the client side of the challenge-response: receive
// the server's nonce, check its key against the pin, prove key
// possession for the share, await the welcome.
func (s *Session) handshake(conn *websocket.Conn) error {
	var hello Frame
	if err := FrameCodec.Receive(conn, &hello); err != nil {
		return fmt.Errorf("session: reading hello: %w", err)
	}
	if hello.Kind != FrameHello {
		return fmt.Errorf("session: expected hello, got %q", hello.Kind)
	}
	if len(hello.ServerKey) != ed25519.PublicKeySize {
		return fmt.Errorf("session: malformed server key")
	}

	s.mu.Lock()
	pinned := s.serverKey
	s.mu.Unlock()
	if len(pinned) > 0 && !bytes.Equal(pinned, hello.ServerKey) {
		return apperror.Newf(apperror.GenericError, "server key does not match the pinned key")
	}

	signature := ed25519.Sign(s.identity.SigningKey, AuthenticationMessage(hello.Nonce, s.share))
	err := FrameCodec.Send(conn, Frame{
		Kind:       FrameAuth,
		Device:     s.identity.Device.ID.String(),
		SigningKey: s.identity.Device.SigningKey,
		Signature:  signature,
	})
	if err != nil {
		return fmt.Errorf("session: sending auth: %w", err)
	}

	var welcome Frame
	if err := FrameCodec.Receive(conn, &welcome); err != nil {
		return fmt.Errorf("session: reading welcome: %w", err)
	}
	switch welcome.Kind {
	case FrameWelcome:
	case FrameError:
		return apperror.Newf(apperror.GenericError, "handshake rejected: %s", welcome.Message)
	default:
		return fmt.Errorf("session: expected welcome, got %q", welcome.Kind)
	}

	s.mu.Lock()
	if len(s.serverKey) == 0 {
		s.serverKey = append([]byte(nil), hello.ServerKey...)
	}
	s.mu.Unlock()
	return nil
}

// armGraceTimer starts the self-healing re-announce window: when no
// peer presence arrives within it and a graph is loaded, the session
// republishes the graph and its sealed keys. The handshake already
// verified the server key against the pin, so the republished state
// cannot reach an impostor server.
func (s *Session) armGraceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = s.clock.AfterFunc(s.graceWindow, func() {
		s.mu.Lock()
		quiet := !s.peerSeen && s.conn != nil && s.team != nil
		s.mu.Unlock()
		if !quiet {
			return
		}
		s.logger.Info("no peers after grace window, re-announcing", "share", s.share.String())
		if err := s.Announce(); err != nil {
			s.logger.Warn("re-announce failed", "error", err)
		}
	})
}

// Close shuts the session down. Terminal: a closed session is not
// reconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.handshakeDone = false
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.setState(StateDisconnected)
	return nil
}

// send transmits one frame on the current connection.
func (s *Session) send(frame Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return apperror.Newf(apperror.GenericError, "session is not connected")
	}
	return FrameCodec.Send(conn, frame)
}

// Announce publishes the exported trust graph, including the sealed
// keyring, to the share.
func (s *Session) Announce() error {
	s.mu.Lock()
	team := s.team
	s.mu.Unlock()
	if team == nil {
		return apperror.Newf(apperror.GenericError, "no graph to announce")
	}
	exported, err := team.Export()
	if err != nil {
		return err
	}
	return s.send(Frame{Kind: FrameAnnounce, Graph: exported})
}

// AnnounceGraph publishes an already exported graph. Used while
// redeeming an invitation, when the admitted replica is not yet
// attached to the session.
func (s *Session) AnnounceGraph(exported []byte) error {
	return s.send(Frame{Kind: FrameAnnounce, Graph: exported})
}

// PublishDocument sends the persisted snapshot of one document to the
// share.
func (s *Session) PublishDocument(ctx context.Context, id ref.DocumentID) error {
	snapshot, err := s.repo.ExportDocument(ctx, id)
	if err != nil {
		return err
	}
	return s.send(Frame{Kind: FrameDocChange, Document: id.String(), Snapshot: snapshot})
}

// PublishIndex sends the share's document-index snapshot.
func (s *Session) PublishIndex(ctx context.Context) error {
	snapshot, err := s.repo.ExportIndex(ctx, s.share)
	if apperror.Is(err, apperror.ObjectDoesNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.send(Frame{Kind: FrameIndexChange, Snapshot: snapshot})
}

// PublishAll announces the graph and sends every local document plus
// the index. Used after connecting and whenever a peer appears.
func (s *Session) PublishAll(ctx context.Context) error {
	s.mu.Lock()
	team := s.team
	s.mu.Unlock()

	if team != nil {
		if err := s.Announce(); err != nil {
			return err
		}
	}
	if err := s.PublishIndex(ctx); err != nil {
		return err
	}
	ids, err := s.repo.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.PublishDocument(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AwaitGraph blocks until a graph export arrives from the share,
// returning the most recent one. Used by joiners that need the graph
// before they can redeem an invitation. Context expiry classifies as
// TIMEOUT.
func (s *Session) AwaitGraph(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		pending := s.pendingGraph
		s.mu.Unlock()
		if pending != nil {
			return pending, nil
		}
		select {
		case <-s.graphArrived:
		case <-ctx.Done():
			return nil, apperror.Wrap(apperror.Timeout, ctx.Err())
		}
	}
}

// readLoop receives frames until the connection drops. Any receive
// error transitions to disconnected; the session stays usable for
// local work and for a later Connect.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := FrameCodec.Receive(conn, &frame); err != nil {
			s.handleDrop(conn, err)
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleDrop(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer connection replaced this one, or Close ran.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.handshakeDone = false
	closed := s.closed
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()

	conn.Close()
	if !closed {
		s.logger.Warn("session transport dropped", "share", s.share.String(), "error", err)
	}
	s.setState(StateDisconnected)
}

func (s *Session) handleFrame(frame Frame) {
	switch frame.Kind {
	case FramePresence:
		s.handlePresence(frame)
	case FrameDocChange:
		s.handleDocChange(frame)
	case FrameIndexChange:
		s.handleIndexChange(frame)
	case FrameAnnounce, FrameGraphUpdate:
		s.handleGraphUpdate(frame)
	case FrameError:
		s.logger.Warn("relay reported error", "code", frame.Code, "message", frame.Message)
	default:
		s.logger.Debug("ignoring unexpected frame", "kind", string(frame.Kind))
	}
}

func (s *Session) handlePresence(frame Frame) {
	s.mu.Lock()
	s.peerSeen = true
	s.mu.Unlock()

	if frame.Online {
		// A peer appeared; offer it everything we have so replicas
		// converge after offline gaps.
		go func() {
			if err := s.PublishAll(context.Background()); err != nil {
				s.logger.Warn("publishing to new peer failed", "error", err)
			}
		}()
	}
}

func (s *Session) handleDocChange(frame Frame) {
	id, err := ref.ParseDocumentID(frame.Document)
	if err != nil {
		s.logger.Warn("dropping docChange with malformed id", "document", frame.Document)
		return
	}
	if err := s.repo.ApplyRemote(context.Background(), id, frame.Snapshot); err != nil {
		s.logger.Warn("merging remote document failed", "document", frame.Document, "error", err)
	}
}

func (s *Session) handleIndexChange(frame Frame) {
	if err := s.repo.MergeIndex(context.Background(), s.share, frame.Snapshot); err != nil {
		s.logger.Warn("merging remote index failed", "error", err)
	}
}

func (s *Session) handleGraphUpdate(frame Frame) {
	s.mu.Lock()
	team := s.team
	s.pendingGraph = frame.Graph
	s.mu.Unlock()

	select {
	case s.graphArrived <- struct{}{}:
	default:
	}

	if team == nil {
		return
	}

	adopted, err := team.Merge(frame.Graph)
	if err != nil {
		s.logger.Warn("merging remote graph failed", "error", err)
		return
	}
	if adopted > 0 && team.HasTeamKey() {
		// New members may lack the team key; seal it to them and
		// republish the keyring.
		if err := team.SealTeamKeyToMembers(); err != nil {
			s.logger.Warn("sealing team key to members failed", "error", err)
		} else if err := s.Announce(); err != nil {
			s.logger.Warn("announcing keyring failed", "error", err)
		}
	}
	s.refreshJoined()
}

// refreshJoined promotes connected to joined once the local device is
// an admitted member of the graph.
func (s *Session) refreshJoined() {
	s.mu.Lock()
	team := s.team
	connected := s.conn != nil && s.handshakeDone
	s.mu.Unlock()

	if team == nil || !connected {
		return
	}
	for _, device := range team.Devices(s.identity.User.ID) {
		if device.ID == s.identity.Device.ID {
			s.setState(StateJoined)
			return
		}
	}
}
