// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"bytes"
	"context"

	"github.com/google/uuid"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/invite"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/roster"
	"github.com/roaringroster/core/trust"
)

// rootDocumentMessage is the graph message type carrying the id of an
// organization's root document. Every member learns the root document
// from the graph, so the roster is reachable from the trust layer
// alone.
const rootDocumentMessage = "rootDocument"

// Connection is an open network path to a share, produced by a
// Connector for invitation redemption.
type Connection struct {
	// Graph is the share's current trust graph export.
	Graph []byte

	// ServerKey is the relay public key the transport verified.
	// Persisted with the organization so later sessions pin it.
	ServerKey []byte

	// Announce publishes the redeemed graph back to the share.
	Announce func(exported []byte) error

	// Close releases the connection. Registered before the redemption
	// is awaited and always runs before a redemption failure
	// propagates, so a partially constructed session never leaks an
	// open connection.
	Close func()
}

// Connector opens a network path to a share for invitation redemption.
type Connector func(ctx context.Context, server string, share ref.ShareID) (*Connection, error)

// Organization bundles the layers of one joined organization: the
// trust graph replica and the roster root document.
type Organization struct {
	Team   *trust.Team
	Roster *roster.Organization
}

// RegisterOrganization founds a new organization: a trust team with
// the local identity as founder and admin, the roster root document
// with one scheduling team and the founder enrolled, and the root
// document id recorded on the graph. Organization creation and
// invitation redemption are mutually exclusive per account.
func (m *Manager) RegisterOrganization(ctx context.Context, name, server string) (*Organization, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	active, err := m.Active()
	if err != nil {
		return nil, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	team, err := trust.CreateTeam(name, active.Identity, trust.Config{Clock: m.clock, Logger: m.logger})
	if err != nil {
		return nil, err
	}

	actor := active.Account.Actor
	org, err := roster.Create(ctx, active.Repo, team, name, actor)
	if err != nil {
		team.Close()
		return nil, m.failOnStorage(err)
	}
	if _, err := org.Enroll(ctx, team, active.Identity.User.ID, active.Identity.User.Name, actor); err != nil {
		team.Close()
		return nil, m.failOnStorage(err)
	}
	err = org.AddTeam(ctx, uuid.NewString(), roster.Team{
		Name:    name,
		Members: []ref.UserID{active.Identity.User.ID},
		Admins:  []ref.UserID{active.Identity.User.ID},
	}, actor)
	if err != nil {
		team.Close()
		return nil, m.failOnStorage(err)
	}

	if err := team.AppendMessage(rootDocumentMessage, []byte(org.Handle().ID().String())); err != nil {
		team.Close()
		return nil, err
	}
	if err := trust.Save(ctx, active.DB, team); err != nil {
		team.Close()
		return nil, m.failOnStorage(err)
	}

	active.Account.Organizations = append(active.Account.Organizations, OrganizationRef{
		Share:  team.ShareID(),
		Server: server,
	})
	active.Account.ActiveOrganization = team.ShareID()
	if err := writeAccount(ctx, active.DB, active.Account); err != nil {
		team.Close()
		return nil, m.failOnStorage(err)
	}

	m.mu.Lock()
	active.teams[team.ShareID()] = team
	m.mu.Unlock()
	m.logger.Info("organization registered", "share", team.ShareID().String(), "name", name)
	return &Organization{Team: team, Roster: org}, nil
}

// JoinOrganization redeems an invitation code against the share's
// current graph: connect fetches the graph, the admission is appended
// locally, and the result is announced back. On success the
// organization is recorded on the account; roster enrollment is a
// separate second phase (CompleteEnrollment), because the root
// document may not have replicated yet.
func (m *Manager) JoinOrganization(ctx context.Context, code, server string, connect Connector) (*trust.Team, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	active, err := m.Active()
	if err != nil {
		return nil, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	share, _, err := invite.ParseCode(code)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	_, member := active.teams[share]
	m.mu.Unlock()
	if !member {
		persisted, err := trust.HasTeam(ctx, active.DB, share)
		if err != nil {
			return nil, m.failOnStorage(err)
		}
		member = persisted
	}
	if member {
		return nil, apperror.Newf(apperror.GenericError, "already a member of %s", share)
	}

	conn, err := connect(ctx, server, share)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	team, err := invite.Redeem(code, conn.Graph, active.Identity, trust.Config{Clock: m.clock, Logger: m.logger})
	if err != nil {
		return nil, err
	}

	exported, err := team.Export()
	if err != nil {
		team.Close()
		return nil, err
	}
	if err := conn.Announce(exported); err != nil {
		team.Close()
		return nil, err
	}

	if err := trust.Save(ctx, active.DB, team); err != nil {
		team.Close()
		return nil, m.failOnStorage(err)
	}
	active.Account.Organizations = append(active.Account.Organizations, OrganizationRef{
		Share:     share,
		Server:    server,
		ServerKey: conn.ServerKey,
	})
	if active.Account.ActiveOrganization.IsZero() {
		active.Account.ActiveOrganization = share
	}
	if err := writeAccount(ctx, active.DB, active.Account); err != nil {
		team.Close()
		return nil, m.failOnStorage(err)
	}

	m.mu.Lock()
	active.teams[share] = team
	m.mu.Unlock()
	m.logger.Info("organization joined", "share", share.String())
	return team, nil
}

// CompleteEnrollment finishes a join: once the organization's root
// document has replicated, the local user is enrolled into the roster.
// Blocks until the document is available or the context ends (TIMEOUT).
func (m *Manager) CompleteEnrollment(ctx context.Context, share ref.ShareID) (*Organization, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	active, err := m.Active()
	if err != nil {
		return nil, err
	}
	team, err := m.team(ctx, active, share)
	if err != nil {
		return nil, err
	}

	org, err := m.organization(ctx, active, team)
	if err != nil {
		return nil, err
	}

	actor := active.Account.Actor
	if _, err := org.Member(active.Identity.User.ID); err == nil {
		// Already enrolled, nothing to do.
		return &Organization{Team: team, Roster: org}, nil
	}
	if _, err := org.Enroll(ctx, team, active.Identity.User.ID, active.Identity.User.Name, actor); err != nil {
		return nil, m.failOnStorage(err)
	}
	return &Organization{Team: team, Roster: org}, nil
}

// Team returns the trust-graph replica of one of the account's
// organizations, loading it from the store on first use.
func (m *Manager) Team(ctx context.Context, share ref.ShareID) (*trust.Team, error) {
	active, err := m.Active()
	if err != nil {
		return nil, err
	}
	return m.team(ctx, active, share)
}

func (m *Manager) team(ctx context.Context, active *ActiveAccount, share ref.ShareID) (*trust.Team, error) {
	m.mu.Lock()
	team, exists := active.teams[share]
	m.mu.Unlock()
	if exists {
		return team, nil
	}

	loaded, err := trust.Load(ctx, active.DB, share, active.Identity, trust.Config{Clock: m.clock, Logger: m.logger})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if team, exists := active.teams[share]; exists {
		loaded.Close()
		return team, nil
	}
	active.teams[share] = loaded
	return loaded, nil
}

// Organization returns the roster of one of the account's
// organizations. Blocks until the root document is available or the
// context ends.
func (m *Manager) Organization(ctx context.Context, share ref.ShareID) (*Organization, error) {
	active, err := m.Active()
	if err != nil {
		return nil, err
	}
	team, err := m.team(ctx, active, share)
	if err != nil {
		return nil, err
	}
	org, err := m.organization(ctx, active, team)
	if err != nil {
		return nil, err
	}
	return &Organization{Team: team, Roster: org}, nil
}

func (m *Manager) organization(ctx context.Context, active *ActiveAccount, team *trust.Team) (*roster.Organization, error) {
	rawID, err := team.LastMessage(rootDocumentMessage)
	if err != nil {
		return nil, apperror.Wrap(apperror.UserHasNoOrganization, err)
	}
	rootID, err := ref.ParseDocumentID(string(rawID))
	if err != nil {
		return nil, err
	}

	handle, err := active.Repo.Find(ctx, rootID)
	if err != nil {
		return nil, m.failOnStorage(err)
	}
	if err := handle.WhenReady(ctx); err != nil {
		return nil, err
	}
	return roster.Open(active.Repo, handle)
}

// PinServerKey records the relay public key for one of the account's
// organizations, so the pin made on first contact survives restarts.
// The first key wins: pinning the same key again is a no-op, a
// different key is rejected.
func (m *Manager) PinServerKey(ctx context.Context, share ref.ShareID, key []byte) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return apperror.Newf(apperror.GenericError, "empty server key")
	}
	active, err := m.Active()
	if err != nil {
		return err
	}
	for i := range active.Account.Organizations {
		orgRef := &active.Account.Organizations[i]
		if orgRef.Share != share {
			continue
		}
		if bytes.Equal(orgRef.ServerKey, key) {
			return nil
		}
		if len(orgRef.ServerKey) > 0 {
			return apperror.Newf(apperror.GenericError, "server key for %s does not match the pinned key", share)
		}
		orgRef.ServerKey = append([]byte(nil), key...)
		return m.failOnStorage(writeAccount(ctx, active.DB, active.Account))
	}
	return apperror.Newf(apperror.ObjectDoesNotExist, "no organization %s on this account", share)
}

// ActiveOrganization returns the account's selected organization, or
// UserHasNoOrganization when the account belongs to none.
func (m *Manager) ActiveOrganization(ctx context.Context) (*Organization, error) {
	active, err := m.Active()
	if err != nil {
		return nil, err
	}
	if active.Account.ActiveOrganization.IsZero() {
		return nil, apperror.New(apperror.UserHasNoOrganization)
	}
	return m.Organization(ctx, active.Account.ActiveOrganization)
}

// ActiveTeam returns the selected scheduling team of the active
// organization, or NoTeam when none is selected.
func (m *Manager) ActiveTeam(ctx context.Context) (roster.Team, error) {
	active, err := m.Active()
	if err != nil {
		return roster.Team{}, err
	}
	if active.Account.ActiveTeam == "" {
		return roster.Team{}, apperror.New(apperror.NoTeam)
	}
	org, err := m.ActiveOrganization(ctx)
	if err != nil {
		return roster.Team{}, err
	}
	teams, err := org.Roster.Teams()
	if err != nil {
		return roster.Team{}, err
	}
	team, exists := teams[active.Account.ActiveTeam]
	if !exists {
		return roster.Team{}, apperror.Newf(apperror.NoTeam, "team %q is not in the roster", active.Account.ActiveTeam)
	}
	return team, nil
}
