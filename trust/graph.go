// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust implements the signed membership graph that decides
// who may synchronize an organization's data. The graph is a causally
// ordered set of Ed25519-signed events (admissions, revocations,
// admin promotions, application messages), identified by BLAKE3
// hashes of their signed bodies. Replicas exchange event sets and
// merge them; concurrent branches linearize deterministically, so
// every replica materializes the same membership state.
//
// Admission is two-phase by contract: a successful admission here
// grants sync and authentication capability only. Enrolling the
// admitted identity into the application roster is a separate step
// owned by the account layer, and neither side may be inferred from
// the other.
package trust

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/clock"
	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/secret"
)

// MembershipGraph is the engine contract the rest of the system
// programs against. Team is the built-in implementation; any engine
// satisfying the admission and convergence semantics can substitute.
type MembershipGraph interface {
	ShareID() ref.ShareID
	Name() string

	IsAdmin(user ref.UserID) bool
	Members() []User
	Devices(user ref.UserID) []Device

	AppendMessage(messageType string, value []byte) error
	Messages(messageType string) [][]byte

	Export() ([]byte, error)
	Merge(exported []byte) (int, error)
}

// NotificationKind classifies events on a team's notification
// channel.
type NotificationKind string

const (
	// NotificationJoined reports a newly admitted identity, emitted
	// once per admission event when it is first applied locally.
	NotificationJoined NotificationKind = "joined"

	// NotificationLocalError reports a failure originating on this
	// replica (a rejected local operation).
	NotificationLocalError NotificationKind = "localError"

	// NotificationRemoteError reports a failure attributed to remote
	// input (a rejected merge, a failed admission proof).
	NotificationRemoteError NotificationKind = "remoteError"
)

// Notification is one entry on the team's event channel.
type Notification struct {
	Kind   NotificationKind
	User   User
	Device Device
	Err    error
}

// Reserved generic message types carrying invitation registrations
// and revocations. Both are filtered out of Messages results.
const (
	messageTypeInvitation       = "_invitation"
	messageTypeInvitationRevoke = "_invitation_revoke"
)

// invitationScope distinguishes full-user invitations from
// additional-device invitations.
type invitationScope string

const (
	scopeUser   invitationScope = "user"
	scopeDevice invitationScope = "device"
)

// invitationRecord is the public half of an invitation, registered on
// the graph by the inviter. ProofKey is the Ed25519 public key derived
// from the secret seed; redemption proves possession of the seed by
// signing with the corresponding private key.
type invitationRecord struct {
	ID       string          `cbor:"1,keyasint"`
	ProofKey []byte          `cbor:"2,keyasint"`
	Scope    invitationScope `cbor:"3,keyasint"`
	User     ref.UserID      `cbor:"4,keyasint,omitempty"`
}

// Team is the built-in MembershipGraph. All state derives from the
// event set: mutating operations append signed events and rebuild the
// materialized state, merges union event sets and rebuild. Methods
// are safe for concurrent use.
type Team struct {
	mu sync.Mutex

	name     string
	shareID  ref.ShareID
	identity *Identity
	clock    clock.Clock
	logger   *slog.Logger

	events map[EventID]*Event
	state  *graphState

	teamKey *secret.Buffer
	keyring map[ref.DeviceID]string

	notifications chan Notification
}

// graphState is the materialized view of a linearized event set.
type graphState struct {
	users          map[ref.UserID]User
	devices        map[ref.DeviceID]Device
	admins         map[ref.UserID]bool
	revokedUsers   map[ref.UserID]bool
	revokedDevices map[ref.DeviceID]bool
	invitations    map[string]invitationRecord
	consumed       map[string]bool
	withdrawn      map[string]bool
	messages       []genericPayload
	firstUser      ref.UserID
}

func newGraphState() *graphState {
	return &graphState{
		users:          make(map[ref.UserID]User),
		devices:        make(map[ref.DeviceID]Device),
		admins:         make(map[ref.UserID]bool),
		revokedUsers:   make(map[ref.UserID]bool),
		revokedDevices: make(map[ref.DeviceID]bool),
		invitations:    make(map[string]invitationRecord),
		consumed:       make(map[string]bool),
		withdrawn:      make(map[string]bool),
	}
}

// Config carries optional collaborators for a Team. Zero values fall
// back to the real clock and a discarding logger.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) fill() {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// CreateTeam starts a new team with the founder as its sole member
// and admin. The genesis admission and the founder's promotion are
// the first two events; admin status exists only through the
// promotion event. A fresh team symmetric key is generated and sealed
// to the founder's device.
func CreateTeam(name string, founder *Identity, cfg Config) (*Team, error) {
	cfg.fill()

	team := &Team{
		name:          name,
		shareID:       ref.NewShareID(),
		identity:      founder,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		events:        make(map[EventID]*Event),
		state:         newGraphState(),
		keyring:       make(map[ref.DeviceID]string),
		notifications: make(chan Notification, 16),
	}

	genesis, err := signEvent(KindAdmitUser, nil, founder.Device.ID, team.now(), admitUserPayload{
		User:   founder.User,
		Device: founder.Device,
	}, founder.SigningKey)
	if err != nil {
		return nil, err
	}
	if err := team.append(genesis); err != nil {
		return nil, err
	}

	promotion, err := signEvent(KindPromoteAdmin, team.heads(), founder.Device.ID, team.now(), promoteAdminPayload{
		User: founder.User.ID,
	}, founder.SigningKey)
	if err != nil {
		return nil, err
	}
	if err := team.append(promotion); err != nil {
		return nil, err
	}

	if err := team.generateTeamKey(); err != nil {
		return nil, err
	}
	if err := team.sealTeamKeyTo(founder.Device); err != nil {
		return nil, err
	}

	return team, nil
}

func (t *Team) now() int64 { return t.clock.Now().Unix() }

// ShareID returns the team's public share identifier.
func (t *Team) ShareID() ref.ShareID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shareID
}

// Name returns the team name.
func (t *Team) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Identity returns the local identity operating this replica.
func (t *Team) Identity() *Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Notifications returns the team's event channel. Joined entries are
// emitted when admissions apply; error entries report rejected local
// or remote input. The channel is buffered; entries are dropped when
// no reader keeps up.
func (t *Team) Notifications() <-chan Notification {
	return t.notifications
}

func (t *Team) notify(notification Notification) {
	select {
	case t.notifications <- notification:
	default:
		t.logger.Warn("dropping team notification", "kind", notification.Kind)
	}
}

// IsAdmin reports whether a user holds admin capability. Revoked
// users are never admins.
func (t *Team) IsAdmin(user ref.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.isAdmin(user)
}

func (s *graphState) isAdmin(user ref.UserID) bool {
	return s.admins[user] && !s.revokedUsers[user]
}

// Members returns all non-revoked users, ordered by user id for
// deterministic iteration.
func (t *Team) Members() []User {
	t.mu.Lock()
	defer t.mu.Unlock()

	members := make([]User, 0, len(t.state.users))
	for id, user := range t.state.users {
		if !t.state.revokedUsers[id] {
			members = append(members, user)
		}
	}
	sort.Slice(members, func(a, b int) bool {
		return members[a].ID.String() < members[b].ID.String()
	})
	return members
}

// Devices returns the non-revoked devices of a user, ordered by
// device id.
func (t *Team) Devices(user ref.UserID) []Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	devices := make([]Device, 0, 2)
	for id, device := range t.state.devices {
		if device.User == user && !t.state.revokedDevices[id] && !t.state.revokedUsers[device.User] {
			devices = append(devices, device)
		}
	}
	sort.Slice(devices, func(a, b int) bool {
		return devices[a].ID.String() < devices[b].ID.String()
	})
	return devices
}

// PromoteAdmin appends a promotion event for the target user. The
// local user must be an admin.
func (t *Team) PromoteAdmin(target ref.UserID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.isAdmin(t.identity.User.ID) {
		return apperror.Newf(apperror.GenericError, "only admins may promote")
	}
	return t.appendLocal(KindPromoteAdmin, promoteAdminPayload{User: target})
}

// RevokeUser appends a revocation removing a user and all of its
// devices. The local user must be an admin.
func (t *Team) RevokeUser(target ref.UserID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.isAdmin(t.identity.User.ID) {
		return apperror.Newf(apperror.GenericError, "only admins may revoke")
	}
	return t.appendLocal(KindRevoke, revokePayload{User: target})
}

// RevokeDevice appends a revocation removing a single device. Admins
// may revoke any device; a user may revoke their own.
func (t *Team) RevokeDevice(target ref.DeviceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	device, known := t.state.devices[target]
	if !known {
		return apperror.Newf(apperror.ObjectDoesNotExist, "unknown device %s", target)
	}
	if !t.state.isAdmin(t.identity.User.ID) && device.User != t.identity.User.ID {
		return apperror.Newf(apperror.GenericError, "only admins may revoke other users' devices")
	}
	return t.appendLocal(KindRevoke, revokePayload{Device: target})
}

// AppendMessage records an application message on the graph. Any
// member device may append; the reserved invitation type is rejected.
func (t *Team) AppendMessage(messageType string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if messageType == messageTypeInvitation || messageType == messageTypeInvitationRevoke {
		return apperror.Newf(apperror.GenericError, "message type %q is reserved", messageType)
	}
	return t.appendLocal(KindGeneric, genericPayload{
		Type:  messageType,
		Value: append(codec.RawMessage(nil), value...),
	})
}

// Messages returns the payloads of all applied messages of the given
// type, in the graph's deterministic linear order. Readers wanting
// last-write-visible semantics take the final entry.
func (t *Team) Messages(messageType string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var values [][]byte
	for _, message := range t.state.messages {
		if message.Type == messageType {
			values = append(values, append([]byte(nil), message.Value...))
		}
	}
	return values
}

// LastMessage returns the final applied message of the given type, or
// ObjectDoesNotExist if none was ever appended.
func (t *Team) LastMessage(messageType string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for index := len(t.state.messages) - 1; index >= 0; index-- {
		if t.state.messages[index].Type == messageType {
			return append([]byte(nil), t.state.messages[index].Value...), nil
		}
	}
	return nil, apperror.Newf(apperror.ObjectDoesNotExist, "no %q message", messageType)
}

// appendLocal signs an event authored by the local identity with the
// current heads as parents and applies it. Caller holds the lock.
func (t *Team) appendLocal(kind Kind, payload any) error {
	event, err := signEvent(kind, t.heads(), t.identity.Device.ID, t.now(), payload, t.identity.SigningKey)
	if err != nil {
		return err
	}
	return t.append(event)
}

// append applies a single locally produced event. Unlike merge input,
// a local event failing validation is an error returned to the
// caller, not a skip.
func (t *Team) append(event *Event) error {
	if _, exists := t.events[event.ID]; exists {
		return nil
	}
	t.events[event.ID] = event
	// rebuild leaves the previous state in place when it fails, so
	// removing the event is the only rollback needed.
	if err := t.rebuild(map[EventID]bool{event.ID: true}); err != nil {
		delete(t.events, event.ID)
		t.notify(Notification{Kind: NotificationLocalError, Err: err})
		return err
	}
	return nil
}

// heads returns the event ids no other event names as a parent,
// sorted for determinism. Caller holds the lock.
func (t *Team) heads() []EventID {
	referenced := make(map[EventID]bool, len(t.events))
	for _, event := range t.events {
		for _, parent := range event.Parents {
			referenced[parent] = true
		}
	}

	var heads []EventID
	for id := range t.events {
		if !referenced[id] {
			heads = append(heads, id)
		}
	}
	sort.Slice(heads, func(a, b int) bool { return heads[a].less(heads[b]) })
	return heads
}

// linearize produces the deterministic total order: causal order
// respected, concurrent siblings by ascending event id. Events with
// missing parents are deferred until the parent arrives (and simply
// never apply if it does not).
func (t *Team) linearize() []*Event {
	pending := make(map[EventID]int, len(t.events))
	children := make(map[EventID][]EventID, len(t.events))
	for id, event := range t.events {
		count := 0
		for _, parent := range event.Parents {
			if _, known := t.events[parent]; known {
				count++
				children[parent] = append(children[parent], id)
			}
		}
		pending[id] = count
	}

	var ready []EventID
	for id, count := range pending {
		if count == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(a, b int) bool { return ready[a].less(ready[b]) })

	ordered := make([]*Event, 0, len(t.events))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, t.events[next])

		var unlocked []EventID
		for _, child := range children[next] {
			pending[child]--
			if pending[child] == 0 {
				unlocked = append(unlocked, child)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Slice(ready, func(a, b int) bool { return ready[a].less(ready[b]) })
		}
	}
	return ordered
}

// rebuild replays the linearized event set into a fresh state.
// Events failing validation are skipped so one bad remote event
// cannot poison the graph; a skipped event in fresh (the set of
// just-added ids) is returned as an error instead, because the caller
// introduced it deliberately. Joined notifications fire for fresh
// admissions. Caller holds the lock.
func (t *Team) rebuild(fresh map[EventID]bool) error {
	state := newGraphState()
	var firstError error

	for _, event := range t.linearize() {
		joined, err := state.apply(event)
		if err != nil {
			if fresh[event.ID] && firstError == nil {
				firstError = err
			} else {
				t.logger.Debug("skipping invalid graph event",
					"event", event.ID.String(), "kind", event.Kind, "error", err)
			}
			continue
		}
		if joined != nil && fresh[event.ID] {
			t.notify(Notification{Kind: NotificationJoined, User: joined.user, Device: joined.device})
		}
	}

	if firstError != nil {
		return firstError
	}
	t.state = state
	return nil
}

// joinedIdentity reports the identity an admission introduced.
type joinedIdentity struct {
	user   User
	device Device
}

// apply validates one event against the state built so far and folds
// it in. Returns the admitted identity for admissions.
func (s *graphState) apply(event *Event) (*joinedIdentity, error) {
	switch event.Kind {
	case KindAdmitUser:
		return s.applyAdmitUser(event)
	case KindAdmitDevice:
		return s.applyAdmitDevice(event)
	case KindRevoke:
		return nil, s.applyRevoke(event)
	case KindPromoteAdmin:
		return nil, s.applyPromoteAdmin(event)
	case KindGeneric:
		return nil, s.applyGeneric(event)
	default:
		return nil, fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

// authorDevice resolves and checks the signing device for events that
// must come from an existing member.
func (s *graphState) authorDevice(event *Event) (Device, error) {
	device, known := s.devices[event.Author]
	if !known {
		return Device{}, fmt.Errorf("author device %s is not a member", event.Author)
	}
	if s.revokedDevices[device.ID] || s.revokedUsers[device.User] {
		return Device{}, fmt.Errorf("author device %s is revoked", event.Author)
	}
	if !event.verifySignature(device.SigningKey) {
		return Device{}, fmt.Errorf("signature verification failed for device %s", event.Author)
	}
	return device, nil
}

func (s *graphState) applyAdmitUser(event *Event) (*joinedIdentity, error) {
	var payload admitUserPayload
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding admission: %w", err)
	}
	if payload.Device.User != payload.User.ID {
		return nil, fmt.Errorf("admitted device does not belong to admitted user")
	}
	if event.Author != payload.Device.ID {
		return nil, fmt.Errorf("admission not authored by the admitted device")
	}
	// Admissions are self-signed by the incoming device; the
	// invitation proof (or genesis position) is what authorizes them.
	if !event.verifySignature(payload.Device.SigningKey) {
		return nil, fmt.Errorf("admission signature verification failed")
	}
	if _, exists := s.users[payload.User.ID]; exists {
		return nil, fmt.Errorf("user %s is already a member", payload.User.ID)
	}

	if len(s.users) == 0 && len(event.Parents) == 0 {
		// Genesis admission: the founder vouches for itself.
		s.firstUser = payload.User.ID
	} else {
		if err := s.consumeInvitation(payload.Invitation, scopeUser, payload.Proof, payload.Device.SigningKey, ref.UserID{}); err != nil {
			return nil, err
		}
	}

	s.users[payload.User.ID] = payload.User
	s.devices[payload.Device.ID] = payload.Device
	return &joinedIdentity{user: payload.User, device: payload.Device}, nil
}

func (s *graphState) applyAdmitDevice(event *Event) (*joinedIdentity, error) {
	var payload admitDevicePayload
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding device admission: %w", err)
	}
	if event.Author != payload.Device.ID {
		return nil, fmt.Errorf("device admission not authored by the admitted device")
	}
	if !event.verifySignature(payload.Device.SigningKey) {
		return nil, fmt.Errorf("device admission signature verification failed")
	}
	if _, exists := s.devices[payload.Device.ID]; exists {
		return nil, fmt.Errorf("device %s is already a member", payload.Device.ID)
	}

	owner, known := s.users[payload.Device.User]
	if !known || s.revokedUsers[owner.ID] {
		return nil, fmt.Errorf("device admission for unknown user %s", payload.Device.User)
	}

	if err := s.consumeInvitation(payload.Invitation, scopeDevice, payload.Proof, payload.Device.SigningKey, payload.Device.User); err != nil {
		return nil, err
	}

	s.devices[payload.Device.ID] = payload.Device
	return &joinedIdentity{user: owner, device: payload.Device}, nil
}

// consumeInvitation validates an admission proof against a registered
// invitation and marks the invitation used. The proof is an Ed25519
// signature over the admitted device's signing key, made with the key
// derived from the secret seed. All failure modes classify as
// INVITATION_PROOF_INVALID so a forged, replayed, revoked, or expired
// code is indistinguishable to the caller.
func (s *graphState) consumeInvitation(id string, scope invitationScope, proof, deviceSigningKey []byte, wantUser ref.UserID) error {
	record, exists := s.invitations[id]
	if !exists || s.consumed[id] || s.withdrawn[id] {
		return apperror.Newf(apperror.InvitationProofInvalid, "no usable invitation")
	}
	if record.Scope != scope {
		return apperror.Newf(apperror.InvitationProofInvalid, "invitation scope mismatch")
	}
	if scope == scopeDevice && record.User != wantUser {
		return apperror.Newf(apperror.InvitationProofInvalid, "invitation user mismatch")
	}
	if !verifyProof(record.ProofKey, deviceSigningKey, proof) {
		return apperror.Newf(apperror.InvitationProofInvalid, "invitation proof verification failed")
	}
	s.consumed[id] = true
	return nil
}

func (s *graphState) applyRevoke(event *Event) error {
	author, err := s.authorDevice(event)
	if err != nil {
		return err
	}

	var payload revokePayload
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decoding revocation: %w", err)
	}

	switch {
	case !payload.User.IsZero():
		if !s.isAdmin(author.User) {
			return fmt.Errorf("user revocation requires admin")
		}
		if _, known := s.users[payload.User]; !known {
			return fmt.Errorf("revocation of unknown user %s", payload.User)
		}
		s.revokedUsers[payload.User] = true
	case !payload.Device.IsZero():
		target, known := s.devices[payload.Device]
		if !known {
			return fmt.Errorf("revocation of unknown device %s", payload.Device)
		}
		if !s.isAdmin(author.User) && target.User != author.User {
			return fmt.Errorf("device revocation requires admin or ownership")
		}
		s.revokedDevices[payload.Device] = true
	default:
		return fmt.Errorf("revocation names neither user nor device")
	}
	return nil
}

func (s *graphState) applyPromoteAdmin(event *Event) error {
	author, err := s.authorDevice(event)
	if err != nil {
		return err
	}

	var payload promoteAdminPayload
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decoding promotion: %w", err)
	}
	if _, known := s.users[payload.User]; !known {
		return fmt.Errorf("promotion of unknown user %s", payload.User)
	}

	// The founder's own promotion is the only one allowed before any
	// admin exists; everything after requires an admin author.
	if len(s.admins) == 0 {
		if author.User != s.firstUser || payload.User != s.firstUser {
			return fmt.Errorf("first promotion must be the founder's self-promotion")
		}
	} else if !s.isAdmin(author.User) {
		return fmt.Errorf("promotion requires admin")
	}

	s.admins[payload.User] = true
	return nil
}

func (s *graphState) applyGeneric(event *Event) error {
	author, err := s.authorDevice(event)
	if err != nil {
		return err
	}

	var payload genericPayload
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}

	if payload.Type == messageTypeInvitation {
		var record invitationRecord
		if err := codec.Unmarshal(payload.Value, &record); err != nil {
			return fmt.Errorf("decoding invitation registration: %w", err)
		}
		switch record.Scope {
		case scopeUser:
			if !s.isAdmin(author.User) {
				return fmt.Errorf("user invitation requires admin")
			}
		case scopeDevice:
			if !s.isAdmin(author.User) && record.User != author.User {
				return fmt.Errorf("device invitation requires admin or self")
			}
		default:
			return fmt.Errorf("unknown invitation scope %q", record.Scope)
		}
		if _, exists := s.invitations[record.ID]; exists {
			return fmt.Errorf("invitation %s already registered", record.ID)
		}
		s.invitations[record.ID] = record
		return nil
	}

	if payload.Type == messageTypeInvitationRevoke {
		id := string(payload.Value)
		record, exists := s.invitations[id]
		if !exists {
			return fmt.Errorf("revocation of unknown invitation %s", id)
		}
		if !s.isAdmin(author.User) && !(record.Scope == scopeDevice && record.User == author.User) {
			return fmt.Errorf("invitation revocation requires admin or inviter")
		}
		s.withdrawn[id] = true
		return nil
	}

	s.messages = append(s.messages, payload)
	return nil
}

// teamFile is the serialized exchange format: the full event set in
// wire form plus the unsigned envelope (name, share id, keyring).
// The keyring is advisory; every sealed entry still requires the
// recipient's private key to open.
type teamFile struct {
	Version int               `cbor:"1,keyasint"`
	Name    string            `cbor:"2,keyasint"`
	ShareID ref.ShareID       `cbor:"3,keyasint"`
	Events  []wireEvent       `cbor:"4,keyasint"`
	Keyring map[string]string `cbor:"5,keyasint,omitempty"`
}

const teamFileVersion = 1

// Export serializes the team for transmission to peers or storage.
// Private key material is never included.
func (t *Team) Export() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.export()
}

func (t *Team) export() ([]byte, error) {
	events := make([]wireEvent, 0, len(t.events))
	for _, event := range t.linearize() {
		events = append(events, event.encode())
	}

	keyring := make(map[string]string, len(t.keyring))
	for device, sealedKey := range t.keyring {
		keyring[device.String()] = sealedKey
	}

	return codec.Marshal(teamFile{
		Version: teamFileVersion,
		Name:    t.name,
		ShareID: t.shareID,
		Events:  events,
		Keyring: keyring,
	})
}

// Merge folds a peer's exported team into this replica: unknown
// events are adopted, keyring entries are unioned, and the state is
// rebuilt. Returns the number of events adopted. Structurally invalid
// input fails the merge; semantically invalid events are skipped
// during replay, so a hostile peer cannot corrupt local state.
func (t *Team) Merge(exported []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := decodeTeamFile(exported)
	if err != nil {
		t.notify(Notification{Kind: NotificationRemoteError, Err: err})
		return 0, err
	}
	if file.ShareID != t.shareID {
		err := apperror.Newf(apperror.GenericError, "merge for share %s into share %s", file.ShareID, t.shareID)
		t.notify(Notification{Kind: NotificationRemoteError, Err: err})
		return 0, err
	}

	fresh := make(map[EventID]bool)
	for _, wire := range file.Events {
		event, err := decodeEvent(wire)
		if err != nil {
			t.notify(Notification{Kind: NotificationRemoteError, Err: err})
			return 0, err
		}
		if _, known := t.events[event.ID]; known {
			continue
		}
		t.events[event.ID] = event
		fresh[event.ID] = true
	}
	if len(fresh) == 0 {
		t.adoptKeyring(file.Keyring)
		return 0, nil
	}

	// Remote events failing semantic validation are skipped inside
	// rebuild, not errors: fresh here only routes Joined
	// notifications.
	t.rebuildSkippingAll(fresh)
	t.adoptKeyring(file.Keyring)
	return len(fresh), nil
}

// rebuildSkippingAll replays like rebuild but treats every invalid
// event as a skip, emitting Joined notifications for fresh
// admissions. Caller holds the lock.
func (t *Team) rebuildSkippingAll(fresh map[EventID]bool) {
	state := newGraphState()
	for _, event := range t.linearize() {
		joined, err := state.apply(event)
		if err != nil {
			t.logger.Debug("skipping invalid graph event",
				"event", event.ID.String(), "kind", event.Kind, "error", err)
			continue
		}
		if joined != nil && fresh[event.ID] {
			t.notify(Notification{Kind: NotificationJoined, User: joined.user, Device: joined.device})
		}
	}
	t.state = state
}

func decodeTeamFile(exported []byte) (*teamFile, error) {
	var file teamFile
	if err := codec.Unmarshal(exported, &file); err != nil {
		return nil, fmt.Errorf("trust: decoding team: %w", err)
	}
	if file.Version != teamFileVersion {
		return nil, fmt.Errorf("trust: unsupported team version %d", file.Version)
	}
	if file.ShareID.IsZero() {
		return nil, fmt.Errorf("trust: team has no share id")
	}
	return &file, nil
}
