// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
)

// Key derivation contexts for the invitation proof scheme. The seed
// never appears on the graph: the inviter registers only the derived
// public key, and the invitee proves possession of the seed by
// signing with the derived private key.
const (
	proofKeyContext     = "roaringroster.invitation.proof.v1"
	invitationIDContext = "roaringroster.invitation.id.v1"
)

// proofKeypair derives the invitation proof keypair from the secret
// seed.
func proofKeypair(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	derived := make([]byte, ed25519.SeedSize)
	blake3.DeriveKey(proofKeyContext, seed, derived)
	privateKey := ed25519.NewKeyFromSeed(derived)
	return privateKey.Public().(ed25519.PublicKey), privateKey
}

// invitationID names an invitation on the graph. It is derived from
// the proof public key, so inviter and invitee compute the same id
// without exchanging anything beyond the seed.
func invitationID(proofKey ed25519.PublicKey) string {
	derived := make([]byte, 16)
	blake3.DeriveKey(invitationIDContext, proofKey, derived)
	return hex.EncodeToString(derived)
}

// proveAdmission signs the admitted device's signing key with the
// proof key: "the holder of the seed vouches for this device key".
func proveAdmission(seed []byte, deviceSigningKey []byte) (id string, proof []byte) {
	publicKey, privateKey := proofKeypair(seed)
	return invitationID(publicKey), ed25519.Sign(privateKey, deviceSigningKey)
}

// verifyProof checks an admission proof against the registered proof
// public key.
func verifyProof(proofKey, deviceSigningKey, proof []byte) bool {
	if len(proofKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(proofKey), deviceSigningKey, proof)
}

// RegisterInvitation registers a full-user invitation for the given
// seed and returns its invitation id. The local user must be an
// admin. The seed itself is handed to the invitee out of band (inside
// the invitation code); only the derived public key reaches the
// graph.
func (t *Team) RegisterInvitation(seed []byte) (string, error) {
	publicKey, _ := proofKeypair(seed)
	return t.registerInvitation(invitationRecord{
		ID:       invitationID(publicKey),
		ProofKey: publicKey,
		Scope:    scopeUser,
	})
}

// RegisterDeviceInvitation registers an additional-device invitation
// scoped to the given user. Admins may invite devices for anyone; a
// user may invite devices for themself.
func (t *Team) RegisterDeviceInvitation(seed []byte, user ref.UserID) (string, error) {
	publicKey, _ := proofKeypair(seed)
	return t.registerInvitation(invitationRecord{
		ID:       invitationID(publicKey),
		ProofKey: publicKey,
		Scope:    scopeDevice,
		User:     user,
	})
}

func (t *Team) registerInvitation(record invitationRecord) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	value, err := codec.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("trust: encoding invitation: %w", err)
	}
	err = t.appendLocal(KindGeneric, genericPayload{
		Type:  messageTypeInvitation,
		Value: value,
	})
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

// RevokeInvitation withdraws a registered invitation. Redeeming a
// revoked invitation fails exactly like redeeming a consumed or
// unknown one.
func (t *Team) RevokeInvitation(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.appendLocal(KindGeneric, genericPayload{
		Type:  messageTypeInvitationRevoke,
		Value: []byte(id),
	})
}

// Join redeems a full-user invitation against a peer's exported team:
// the exported graph is adopted, an AdmitUser event carrying the seed
// proof is appended, and the resulting team replica is returned. The
// identity becomes the team's view of this user and device.
//
// A bad seed, an already-consumed invitation, and a revoked or
// expired one all fail with INVITATION_PROOF_INVALID; the caller
// cannot distinguish them.
func Join(exported []byte, seed []byte, identity *Identity, cfg Config) (*Team, error) {
	return join(exported, seed, identity, cfg, KindAdmitUser)
}

// JoinDevice redeems a device invitation: like Join, but the admitted
// identity's user id must match the invitation's target user (the
// inviting user's existing identity). The identity's Device.User is
// rewritten to the invitation target before admission.
func JoinDevice(exported []byte, seed []byte, user ref.UserID, identity *Identity, cfg Config) (*Team, error) {
	identity.User.ID = user
	identity.Device.User = user
	return join(exported, seed, identity, cfg, KindAdmitDevice)
}

func join(exported []byte, seed []byte, identity *Identity, cfg Config, kind Kind) (*Team, error) {
	cfg.fill()

	file, err := decodeTeamFile(exported)
	if err != nil {
		return nil, err
	}

	team := &Team{
		name:          file.Name,
		shareID:       file.ShareID,
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

	id, proof := proveAdmission(seed, identity.Device.SigningKey)

	var payload any
	switch kind {
	case KindAdmitUser:
		payload = admitUserPayload{
			User:       identity.User,
			Device:     identity.Device,
			Invitation: id,
			Proof:      proof,
		}
	case KindAdmitDevice:
		payload = admitDevicePayload{
			Device:     identity.Device,
			Invitation: id,
			Proof:      proof,
		}
	default:
		return nil, fmt.Errorf("trust: join with event kind %s", kind)
	}

	event, err := signEvent(kind, team.heads(), identity.Device.ID, team.now(), payload, identity.SigningKey)
	if err != nil {
		return nil, err
	}
	if err := team.append(event); err != nil {
		if apperror.Is(err, apperror.InvitationProofInvalid) {
			return nil, err
		}
		return nil, apperror.Wrap(apperror.InvitationProofInvalid, err)
	}

	team.adoptKeyring(file.Keyring)
	return team, nil
}
