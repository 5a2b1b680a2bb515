// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package roster defines the scheduling data model layered on the
// document engine: the organization root document with its teams and
// members, and the per-member planning documents. The trust graph
// decides who may sync; the roster decides what the application shows.
// Neither is derived from the other: admission and enrollment are
// separate steps.
package roster

import (
	"context"
	"fmt"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/docsync"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/trust"
)

// SchemaVersion is written into every roster document so later schema
// migrations can detect old data.
const SchemaVersion = 1

// Organization root document fields.
const (
	fieldVersion          = "version"
	fieldName             = "name"
	fieldTeams            = "teams"
	fieldMembers          = "members"
	fieldFormerMembers    = "formerMembers"
	fieldSelectionOptions = "selectionOptions"
)

// Member is one person in the organization's roster. The document ids
// point at the member's planning documents, all registered in the
// share's document index.
type Member struct {
	User    ref.UserID `cbor:"1,keyasint"`
	Name    string     `cbor:"2,keyasint"`
	Version int        `cbor:"3,keyasint"`

	Contact          ref.DocumentID `cbor:"4,keyasint"`
	WorkAgreements   ref.DocumentID `cbor:"5,keyasint"`
	AvailabilityList ref.DocumentID `cbor:"6,keyasint"`
	AbsenceList      ref.DocumentID `cbor:"7,keyasint"`
}

// documentIDs lists the member's planning documents.
func (m Member) documentIDs() []ref.DocumentID {
	return []ref.DocumentID{m.Contact, m.WorkAgreements, m.AvailabilityList, m.AbsenceList}
}

// Team is one scheduling unit inside the organization.
type Team struct {
	Name    string       `cbor:"1,keyasint"`
	Members []ref.UserID `cbor:"2,keyasint,omitempty"`
	Admins  []ref.UserID `cbor:"3,keyasint,omitempty"`
	Version int          `cbor:"4,keyasint"`
}

// SelectionOption is one configurable choice list entry, such as an
// absence reason.
type SelectionOption struct {
	Label   string `cbor:"1,keyasint"`
	Version int    `cbor:"2,keyasint"`
}

// Organization wraps the root document of one organization. All
// mutations go through the repo so they persist and replicate; reads
// come from the live document.
type Organization struct {
	repo   *docsync.Repo
	handle *docsync.Handle
}

// Create allocates the organization root document, names it, and
// registers it in the share's document index.
func Create(ctx context.Context, repo *docsync.Repo, team *trust.Team, name string, actor ref.ActorID) (*Organization, error) {
	handle, err := repo.Create(ctx)
	if err != nil {
		return nil, err
	}
	err = repo.Change(ctx, handle, func(m *docsync.Mutation) {
		m.Set(fieldVersion, SchemaVersion)
		m.Set(fieldName, name)
	}, docsync.ChangeMeta{Actor: actor, Message: "create organization"})
	if err != nil {
		return nil, err
	}
	if err := repo.RegisterInTeam(ctx, handle, team, actor); err != nil {
		return nil, err
	}
	return &Organization{repo: repo, handle: handle}, nil
}

// Open wraps an existing root document. The handle must be ready.
func Open(repo *docsync.Repo, handle *docsync.Handle) (*Organization, error) {
	doc, err := handle.Doc()
	if err != nil {
		return nil, err
	}
	var version int
	if err := doc.Get(fieldVersion, &version); err != nil {
		return nil, fmt.Errorf("roster: document %s is not an organization: %w", handle.ID(), err)
	}
	if version != SchemaVersion {
		return nil, fmt.Errorf("roster: unsupported organization schema %d", version)
	}
	return &Organization{repo: repo, handle: handle}, nil
}

// Handle returns the root document handle.
func (o *Organization) Handle() *docsync.Handle { return o.handle }

// Name returns the organization name.
func (o *Organization) Name() (string, error) {
	doc, err := o.handle.Doc()
	if err != nil {
		return "", err
	}
	var name string
	if err := doc.Get(fieldName, &name); err != nil {
		return "", err
	}
	return name, nil
}

// Rename changes the organization name.
func (o *Organization) Rename(ctx context.Context, name string, actor ref.ActorID) error {
	return o.repo.Change(ctx, o.handle, func(m *docsync.Mutation) {
		m.Set(fieldName, name)
	}, docsync.ChangeMeta{Actor: actor, Message: "rename organization"})
}

// AddTeam adds a scheduling team under the given id.
func (o *Organization) AddTeam(ctx context.Context, id string, team Team, actor ref.ActorID) error {
	team.Version = SchemaVersion
	return o.repo.Change(ctx, o.handle, func(m *docsync.Mutation) {
		m.Add(fieldTeams, id, team)
	}, docsync.ChangeMeta{Actor: actor, Message: "add team"})
}

// Teams returns the organization's teams keyed by team id.
func (o *Organization) Teams() (map[string]Team, error) {
	doc, err := o.handle.Doc()
	if err != nil {
		return nil, err
	}
	teams := make(map[string]Team)
	for _, id := range doc.SetIDs(fieldTeams) {
		var team Team
		if err := doc.Element(fieldTeams, id, &team); err != nil {
			return nil, err
		}
		teams[id] = team
	}
	return teams, nil
}

// Member returns one roster member by user id.
func (o *Organization) Member(user ref.UserID) (Member, error) {
	doc, err := o.handle.Doc()
	if err != nil {
		return Member{}, err
	}
	var member Member
	if err := doc.Element(fieldMembers, user.String(), &member); err != nil {
		return Member{}, err
	}
	return member, nil
}

// Members returns the current roster members keyed by user id.
func (o *Organization) Members() (map[string]Member, error) {
	return o.memberSet(fieldMembers)
}

// FormerMembers returns members removed from the roster.
func (o *Organization) FormerMembers() (map[string]Member, error) {
	return o.memberSet(fieldFormerMembers)
}

func (o *Organization) memberSet(field string) (map[string]Member, error) {
	doc, err := o.handle.Doc()
	if err != nil {
		return nil, err
	}
	members := make(map[string]Member)
	for _, id := range doc.SetIDs(field) {
		var member Member
		if err := doc.Element(field, id, &member); err != nil {
			return nil, err
		}
		members[id] = member
	}
	return members, nil
}

// SetSelectionOption configures one choice list entry, such as an
// absence reason.
func (o *Organization) SetSelectionOption(ctx context.Context, id string, option SelectionOption, actor ref.ActorID) error {
	option.Version = SchemaVersion
	return o.repo.Change(ctx, o.handle, func(m *docsync.Mutation) {
		m.Add(fieldSelectionOptions, id, option)
	}, docsync.ChangeMeta{Actor: actor, Message: "set selection option"})
}

// SelectionOptions returns the configured choice list entries.
func (o *Organization) SelectionOptions() (map[string]SelectionOption, error) {
	doc, err := o.handle.Doc()
	if err != nil {
		return nil, err
	}
	options := make(map[string]SelectionOption)
	for _, id := range doc.SetIDs(fieldSelectionOptions) {
		var option SelectionOption
		if err := doc.Element(fieldSelectionOptions, id, &option); err != nil {
			return nil, err
		}
		options[id] = option
	}
	return options, nil
}

// Enroll creates the four planning documents for a user, registers
// them in the share's index, and adds the member to the roster. This
// is the roster half of admission; the trust-graph half happens during
// invitation redemption.
func (o *Organization) Enroll(ctx context.Context, team *trust.Team, user ref.UserID, name string, actor ref.ActorID) (Member, error) {
	if _, err := o.Member(user); err == nil {
		return Member{}, apperror.Newf(apperror.GenericError, "user %s is already enrolled", user)
	}

	member := Member{User: user, Name: name, Version: SchemaVersion}
	targets := []*ref.DocumentID{
		&member.Contact, &member.WorkAgreements, &member.AvailabilityList, &member.AbsenceList,
	}
	for _, target := range targets {
		handle, err := o.repo.Create(ctx)
		if err != nil {
			return Member{}, err
		}
		err = o.repo.Change(ctx, handle, func(m *docsync.Mutation) {
			m.Set(fieldVersion, SchemaVersion)
		}, docsync.ChangeMeta{Actor: actor})
		if err != nil {
			return Member{}, err
		}
		if err := o.repo.RegisterInTeam(ctx, handle, team, actor); err != nil {
			return Member{}, err
		}
		*target = handle.ID()
	}

	err := o.repo.Change(ctx, o.handle, func(m *docsync.Mutation) {
		m.Add(fieldMembers, user.String(), member)
	}, docsync.ChangeMeta{Actor: actor, Message: "enroll member"})
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

// RemoveMember moves a member to formerMembers and removes the
// member's planning documents, both from the share's index and from
// the local store. The roster and the index stay mutually consistent:
// nothing referenced remains unindexed and nothing unreferenced stays
// behind.
func (o *Organization) RemoveMember(ctx context.Context, team *trust.Team, user ref.UserID, actor ref.ActorID) error {
	member, err := o.Member(user)
	if err != nil {
		return err
	}

	err = o.repo.Change(ctx, o.handle, func(m *docsync.Mutation) {
		m.Remove(fieldMembers, user.String())
		m.Add(fieldFormerMembers, user.String(), member)
	}, docsync.ChangeMeta{Actor: actor, Message: "remove member"})
	if err != nil {
		return err
	}

	for _, id := range member.documentIDs() {
		if id.IsZero() {
			continue
		}
		handle, err := o.repo.Find(ctx, id)
		if err != nil {
			return err
		}
		if err := o.repo.Unregister(ctx, handle, team, actor); err != nil && !apperror.Is(err, apperror.ObjectDoesNotExist) {
			return err
		}
	}
	return nil
}
