// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements a small in-memory relay server for
// development and tests. It accepts websocket connections at
// /<shareId>, verifies the session handshake against the share's
// announced trust graph, retains merged share state for late joiners,
// and fans frames out to the other peers of the share. It is not a
// production server: nothing is persisted and all shares live in one
// process.
package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/roaringroster/core/docsync"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/session"
	"github.com/roaringroster/core/trust"
)

const nonceSize = 32

// Server relays sync frames between the peers of each share.
type Server struct {
	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	logger     *slog.Logger

	mu    sync.Mutex
	rooms map[ref.ShareID]*room
}

// room is the live state of one share.
type room struct {
	mu         sync.Mutex
	graph      []byte
	membership *trust.Membership
	index      []byte
	documents  map[string][]byte
	peers      map[*peer]bool
}

// peer is one authenticated connection. key is the public key the
// peer proved possession of during the handshake.
type peer struct {
	conn   *websocket.Conn
	device ref.DeviceID
	key    ed25519.PublicKey
	member bool
}

// Config configures a relay server.
type Config struct {
	// SigningKey is the server's identity key. Generated when nil.
	SigningKey ed25519.PrivateKey

	Logger *slog.Logger
}

// New creates a relay server.
func New(cfg Config) (*Server, error) {
	if cfg.SigningKey == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("relay: generating server key: %w", err)
		}
		cfg.SigningKey = key
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		signingKey: cfg.SigningKey,
		publicKey:  cfg.SigningKey.Public().(ed25519.PublicKey),
		logger:     cfg.Logger,
		rooms:      make(map[ref.ShareID]*room),
	}, nil
}

// PublicKey returns the server's public key, as advertised in the
// handshake hello. Clients pin it.
func (s *Server) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.publicKey...)
}

// Handler returns the http handler serving websocket connections at
// /<shareId>.
func (s *Server) Handler() http.Handler {
	return websocket.Server{Handler: s.serve}
}

func (s *Server) room(share ref.ShareID) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, exists := s.rooms[share]; exists {
		return existing
	}
	created := &room{
		documents: make(map[string][]byte),
		peers:     make(map[*peer]bool),
	}
	s.rooms[share] = created
	return created
}

func (s *Server) serve(conn *websocket.Conn) {
	defer conn.Close()

	share, err := ref.ParseShareID(strings.TrimPrefix(conn.Request().URL.Path, "/"))
	if err != nil {
		s.reject(conn, "bad_share", "request path is not a share id")
		return
	}
	current := s.room(share)

	connected, err := s.handshake(conn, share, current)
	if err != nil {
		s.logger.Info("handshake failed", "share", share.String(), "error", err)
		s.reject(conn, "unauthorized", err.Error())
		return
	}
	s.logger.Info("peer connected",
		"share", share.String(), "device", connected.device.String(), "member", connected.member)

	current.addPeer(connected)
	defer func() {
		current.removePeer(connected)
		current.broadcast(connected, session.Frame{
			Kind:   session.FramePresence,
			Device: connected.device.String(),
			Online: false,
		})
		s.logger.Info("peer disconnected", "share", share.String(), "device", connected.device.String())
	}()

	current.broadcast(connected, session.Frame{
		Kind:   session.FramePresence,
		Device: connected.device.String(),
		Online: true,
	})
	s.replayState(connected, current)

	for {
		var frame session.Frame
		if err := session.FrameCodec.Receive(conn, &frame); err != nil {
			return
		}
		s.handleFrame(share, current, connected, frame)
	}
}

// handshake runs the server side of the challenge-response. The
// client's signature over (nonce || shareId) proves it holds the
// signing key it presents; when the share already has an announced
// graph, the key must additionally belong to a non-revoked member
// device, otherwise the peer is admitted as a guest with graph-only
// access so it can redeem an invitation.
func (s *Server) handshake(conn *websocket.Conn, share ref.ShareID, current *room) (*peer, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	err := session.FrameCodec.Send(conn, session.Frame{
		Kind:      session.FrameHello,
		Nonce:     nonce,
		ServerKey: s.publicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	var auth session.Frame
	if err := session.FrameCodec.Receive(conn, &auth); err != nil {
		return nil, fmt.Errorf("reading auth: %w", err)
	}
	if auth.Kind != session.FrameAuth {
		return nil, fmt.Errorf("expected auth, got %q", auth.Kind)
	}
	device, err := ref.ParseDeviceID(auth.Device)
	if err != nil {
		return nil, fmt.Errorf("malformed device id")
	}
	if len(auth.SigningKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("malformed signing key")
	}
	message := session.AuthenticationMessage(nonce, share)
	if !ed25519.Verify(ed25519.PublicKey(auth.SigningKey), message, auth.Signature) {
		return nil, fmt.Errorf("challenge signature verification failed")
	}

	member := false
	current.mu.Lock()
	membership := current.membership
	peerCount := len(current.peers)
	current.mu.Unlock()
	if membership != nil {
		key, known := membership.DeviceKey(device)
		if known && key.Equal(ed25519.PublicKey(auth.SigningKey)) {
			member = true
		}
	}

	err = session.FrameCodec.Send(conn, session.Frame{
		Kind:  session.FrameWelcome,
		Peers: peerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("sending welcome: %w", err)
	}
	return &peer{
		conn:   conn,
		device: device,
		key:    ed25519.PublicKey(auth.SigningKey),
		member: member,
	}, nil
}

func (s *Server) reject(conn *websocket.Conn, code, message string) {
	_ = session.FrameCodec.Send(conn, session.Frame{
		Kind:    session.FrameError,
		Code:    code,
		Message: message,
	})
}

// replayState sends the retained share state to a freshly connected
// peer: the merged graph always, documents and index only to members.
func (s *Server) replayState(connected *peer, current *room) {
	current.mu.Lock()
	graph := current.graph
	index := current.index
	member := connected.member
	documents := make(map[string][]byte, len(current.documents))
	if member {
		for id, snapshot := range current.documents {
			documents[id] = snapshot
		}
	}
	current.mu.Unlock()

	if graph != nil {
		_ = session.FrameCodec.Send(connected.conn, session.Frame{
			Kind:  session.FrameGraphUpdate,
			Graph: graph,
		})
	}
	if member && index != nil {
		_ = session.FrameCodec.Send(connected.conn, session.Frame{
			Kind:     session.FrameIndexChange,
			Snapshot: index,
		})
	}
	for id, snapshot := range documents {
		_ = session.FrameCodec.Send(connected.conn, session.Frame{
			Kind:     session.FrameDocChange,
			Document: id,
			Snapshot: snapshot,
		})
	}
}

func (s *Server) handleFrame(share ref.ShareID, current *room, from *peer, frame session.Frame) {
	current.mu.Lock()
	member := from.member
	current.mu.Unlock()

	switch frame.Kind {
	case session.FrameAnnounce, session.FrameGraphUpdate:
		s.handleGraph(share, current, from, frame.Graph)
	case session.FrameDocChange:
		if !member {
			s.reject(from.conn, "forbidden", "documents require membership")
			return
		}
		current.mergeDocument(frame.Document, frame.Snapshot, s.logger)
		current.broadcast(from, frame)
	case session.FrameIndexChange:
		if !member {
			s.reject(from.conn, "forbidden", "the index requires membership")
			return
		}
		current.mergeIndex(frame.Snapshot, s.logger)
		current.broadcast(from, frame)
	case session.FramePresence:
		// Presence originates from the relay, not from peers.
	default:
		s.logger.Debug("dropping unexpected frame", "kind", string(frame.Kind))
	}
}

// handleGraph merges an announced graph into the room and refreshes
// peers' membership status, so a guest whose admission event just
// arrived gains member access without reconnecting.
func (s *Server) handleGraph(share ref.ShareID, current *room, from *peer, graph []byte) {
	membership, err := trust.InspectExport(graph)
	if err != nil {
		s.logger.Info("rejecting malformed graph", "share", share.String(), "error", err)
		s.reject(from.conn, "bad_graph", "graph does not decode")
		return
	}
	if membership.ShareID() != share {
		s.reject(from.conn, "bad_graph", "graph belongs to a different share")
		return
	}

	current.mu.Lock()
	if current.graph == nil {
		current.graph = graph
	} else if merged, err := trust.MergeExports(current.graph, graph); err == nil {
		current.graph = merged
	} else {
		current.mu.Unlock()
		s.logger.Info("rejecting unmergeable graph", "share", share.String(), "error", err)
		s.reject(from.conn, "bad_graph", "graph does not merge")
		return
	}
	merged := current.graph
	current.mu.Unlock()

	membership, err = trust.InspectExport(merged)
	if err != nil {
		s.logger.Warn("merged graph does not inspect", "share", share.String(), "error", err)
		return
	}

	current.mu.Lock()
	current.membership = membership
	for connected := range current.peers {
		if connected.member {
			continue
		}
		key, known := membership.DeviceKey(connected.device)
		if known && key.Equal(connected.key) {
			connected.member = true
		}
	}
	current.mu.Unlock()

	current.broadcast(from, session.Frame{Kind: session.FrameGraphUpdate, Graph: merged})
}

func (r *room) addPeer(connected *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[connected] = true
}

func (r *room) removePeer(connected *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, connected)
}

// broadcast sends a frame to every peer of the room except the origin.
func (r *room) broadcast(from *peer, frame session.Frame) {
	r.mu.Lock()
	targets := make([]*peer, 0, len(r.peers))
	for connected := range r.peers {
		if connected != from {
			targets = append(targets, connected)
		}
	}
	r.mu.Unlock()

	for _, target := range targets {
		if err := session.FrameCodec.Send(target.conn, frame); err != nil {
			target.conn.Close()
		}
	}
}

// mergeDocument folds an incoming snapshot into the retained one so
// late joiners receive converged state instead of the last write.
func (r *room) mergeDocument(id string, snapshot []byte, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.documents[id]
	if !known {
		r.documents[id] = snapshot
		return
	}
	doc := docsync.NewDocument()
	if err := doc.Load(existing); err != nil {
		logger.Warn("retained document snapshot does not load", "document", id, "error", err)
		r.documents[id] = snapshot
		return
	}
	if err := doc.Merge(snapshot); err != nil {
		logger.Warn("document snapshot does not merge", "document", id, "error", err)
		return
	}
	merged, err := doc.Snapshot()
	if err != nil {
		logger.Warn("merged document does not snapshot", "document", id, "error", err)
		return
	}
	r.documents[id] = merged
}

func (r *room) mergeIndex(snapshot []byte, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index == nil {
		r.index = snapshot
		return
	}
	doc := docsync.NewDocument()
	if err := doc.Load(r.index); err != nil {
		logger.Warn("retained index snapshot does not load", "error", err)
		r.index = snapshot
		return
	}
	if err := doc.Merge(snapshot); err != nil {
		logger.Warn("index snapshot does not merge", "error", err)
		return
	}
	merged, err := doc.Snapshot()
	if err != nil {
		logger.Warn("merged index does not snapshot", "error", err)
		return
	}
	r.index = merged
}
