// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package invite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/clock"
	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/store"
	"github.com/roaringroster/core/trust"
)

// Pending is one outstanding invitation as persisted per
// organization. The seed never persists; only the derived invitation
// id does.
type Pending struct {
	ID        string `cbor:"1,keyasint"`
	CreatedAt int64  `cbor:"2,keyasint"`
	ExpiresAt int64  `cbor:"3,keyasint,omitempty"`
	Device    bool   `cbor:"4,keyasint,omitempty"`
}

// Expired reports whether the invitation's expiration has passed.
// Invitations without an expiration never expire.
func (p Pending) Expired(now time.Time) bool {
	return p.ExpiresAt != 0 && now.Unix() >= p.ExpiresAt
}

// Protocol manages invitation codes for the organizations of one
// account. Pending invitations persist in the account store's local
// table under one record per organization.
type Protocol struct {
	db     *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Protocol over the given account store.
func New(db *store.Store, timeSource clock.Clock, logger *slog.Logger) *Protocol {
	if timeSource == nil {
		timeSource = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Protocol{db: db, clock: timeSource, logger: logger}
}

func pendingRecordID(share ref.ShareID) string {
	return "invitations_" + share.String()
}

// Create registers a full-user invitation on the team and returns the
// invitation code to hand to the invitee. A zero expiresAt means the
// invitation never expires. The local user must be a team admin.
func (p *Protocol) Create(ctx context.Context, team *trust.Team, expiresAt time.Time) (string, error) {
	seed := ref.RandomBase58(seedLength)
	id, err := team.RegisterInvitation([]byte(seed))
	if err != nil {
		return "", err
	}
	if err := p.addPending(ctx, team.ShareID(), id, expiresAt, false); err != nil {
		return "", err
	}
	return BuildCode(team.ShareID(), seed), nil
}

// CreateDevice registers an additional-device invitation for the
// given user and returns the code.
func (p *Protocol) CreateDevice(ctx context.Context, team *trust.Team, user ref.UserID, expiresAt time.Time) (string, error) {
	seed := ref.RandomBase58(seedLength)
	id, err := team.RegisterDeviceInvitation([]byte(seed), user)
	if err != nil {
		return "", err
	}
	if err := p.addPending(ctx, team.ShareID(), id, expiresAt, true); err != nil {
		return "", err
	}
	return BuildCode(team.ShareID(), seed), nil
}

// List returns the pending invitations for an organization. Expired
// entries are purged from the persisted list, withdrawn on the team
// graph, and the purge is persisted before returning: a read that
// garbage-collects.
func (p *Protocol) List(ctx context.Context, team *trust.Team) ([]Pending, error) {
	share := team.ShareID()
	pending, err := p.readPending(ctx, share)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	kept := pending[:0]
	var purged int
	for _, invitation := range pending {
		if invitation.Expired(now) {
			if err := team.RevokeInvitation(invitation.ID); err != nil {
				p.logger.Warn("withdrawing expired invitation failed",
					"invitation", invitation.ID, "error", err)
			}
			purged++
			continue
		}
		kept = append(kept, invitation)
	}
	if purged > 0 {
		if err := p.writePending(ctx, share, kept); err != nil {
			return nil, err
		}
		p.logger.Debug("purged expired invitations", "share", share.String(), "count", purged)
	}
	return kept, nil
}

// Revoke withdraws a pending invitation before redemption. The code
// becomes unusable; redeeming it fails exactly like redeeming a
// consumed or expired one.
func (p *Protocol) Revoke(ctx context.Context, team *trust.Team, id string) error {
	share := team.ShareID()
	pending, err := p.readPending(ctx, share)
	if err != nil {
		return err
	}

	kept := pending[:0]
	found := false
	for _, invitation := range pending {
		if invitation.ID == id {
			found = true
			continue
		}
		kept = append(kept, invitation)
	}
	if !found {
		return apperror.Newf(apperror.ObjectDoesNotExist, "no pending invitation %s", id)
	}

	if err := team.RevokeInvitation(id); err != nil {
		return err
	}
	return p.writePending(ctx, share, kept)
}

// Redeem splits a code and admits the identity as a new user on the
// exported team. All failures surface as INVITATION_PROOF_INVALID.
func Redeem(code string, exported []byte, identity *trust.Identity, cfg trust.Config) (*trust.Team, error) {
	share, seed, err := ParseCode(code)
	if err != nil {
		return nil, err
	}
	team, err := trust.Join(exported, []byte(seed), identity, cfg)
	if err != nil {
		return nil, err
	}
	if team.ShareID() != share {
		team.Close()
		return nil, apperror.Newf(apperror.InvitationProofInvalid, "code and team share ids differ")
	}
	return team, nil
}

// RedeemDevice is Redeem for additional-device codes.
func RedeemDevice(code string, exported []byte, user ref.UserID, identity *trust.Identity, cfg trust.Config) (*trust.Team, error) {
	share, seed, err := ParseCode(code)
	if err != nil {
		return nil, err
	}
	team, err := trust.JoinDevice(exported, []byte(seed), user, identity, cfg)
	if err != nil {
		return nil, err
	}
	if team.ShareID() != share {
		team.Close()
		return nil, apperror.Newf(apperror.InvitationProofInvalid, "code and team share ids differ")
	}
	return team, nil
}

func (p *Protocol) addPending(ctx context.Context, share ref.ShareID, id string, expiresAt time.Time, device bool) error {
	pending, err := p.readPending(ctx, share)
	if err != nil {
		return err
	}
	entry := Pending{
		ID:        id,
		CreatedAt: p.clock.Now().Unix(),
		Device:    device,
	}
	if !expiresAt.IsZero() {
		entry.ExpiresAt = expiresAt.Unix()
	}
	return p.writePending(ctx, share, append(pending, entry))
}

func (p *Protocol) readPending(ctx context.Context, share ref.ShareID) ([]Pending, error) {
	record, err := p.db.GetLocal(ctx, pendingRecordID(share))
	if apperror.Is(err, apperror.ObjectDoesNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pending []Pending
	if err := codec.Unmarshal(record.Value, &pending); err != nil {
		return nil, fmt.Errorf("invite: decoding pending invitations: %w", err)
	}
	return pending, nil
}

func (p *Protocol) writePending(ctx context.Context, share ref.ShareID, pending []Pending) error {
	value, err := codec.Marshal(pending)
	if err != nil {
		return fmt.Errorf("invite: encoding pending invitations: %w", err)
	}
	return p.db.PutLocal(ctx, store.Record{
		ID:    pendingRecordID(share),
		Type:  "invitations",
		Value: value,
	})
}
