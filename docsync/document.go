// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package docsync implements the offline-first document layer:
// convergent (CRDT) documents, a repository that loads them lazily
// from the encrypted store, and the shared-document index that ties
// documents to an organization.
//
// The built-in Document is a last-writer-wins register map combined
// with observed-add sets. Any engine satisfying MergeableDocument can
// substitute; the convergence contract is what the rest of the system
// relies on, not the representation.
package docsync

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
)

// ChangeMeta is the causal metadata recorded with every local
// mutation.
type ChangeMeta struct {
	Actor   ref.ActorID
	Time    time.Time
	Message string
}

// MergeableDocument is the engine contract. Merge must be
// commutative, associative, and idempotent over snapshots produced by
// the same engine: replicas that exchange snapshots in any order
// converge to equal views.
type MergeableDocument interface {
	Apply(mutate func(*Mutation), meta ChangeMeta) error
	Merge(remoteSnapshot []byte) error
	Snapshot() ([]byte, error)
	Load(snapshot []byte) error
	View() map[string]any
}

// stamp orders writes: later wall-clock wins, ties broken by actor id
// so concurrent writes at the same millisecond still converge.
type stamp struct {
	UnixMillis int64  `cbor:"1,keyasint"`
	Actor      string `cbor:"2,keyasint"`
}

func (s stamp) after(other stamp) bool {
	if s.UnixMillis != other.UnixMillis {
		return s.UnixMillis > other.UnixMillis
	}
	return s.Actor > other.Actor
}

// register is one last-writer-wins cell. Deleted registers stay as
// tombstones so a delete survives merging with an older write.
type register struct {
	Value   codec.RawMessage `cbor:"1,keyasint,omitempty"`
	Stamp   stamp            `cbor:"2,keyasint"`
	Deleted bool             `cbor:"3,keyasint,omitempty"`
}

// setElement is one entry of an observed-add set. Removal is a
// tombstone with its own stamp: a re-add after the removal wins, a
// concurrent older add does not resurrect it.
type setElement struct {
	Value   codec.RawMessage `cbor:"1,keyasint,omitempty"`
	Added   stamp            `cbor:"2,keyasint"`
	Removed *stamp           `cbor:"3,keyasint,omitempty"`
}

// docFile is the snapshot wire format.
type docFile struct {
	Version   int                              `cbor:"1,keyasint"`
	Registers map[string]register              `cbor:"2,keyasint,omitempty"`
	Sets      map[string]map[string]setElement `cbor:"3,keyasint,omitempty"`
}

const docFileVersion = 1

// Document is the built-in MergeableDocument. Scalar fields are LWW
// registers addressed by key; collection fields are observed-add sets
// addressed by key and element id. Safe for concurrent use.
type Document struct {
	mu        sync.Mutex
	registers map[string]register
	sets      map[string]map[string]setElement
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		registers: make(map[string]register),
		sets:      make(map[string]map[string]setElement),
	}
}

// Mutation is the write surface handed to Apply's mutate callback.
// All writes carry the stamp derived from the ChangeMeta, so one
// Apply is one atomic causal step.
type Mutation struct {
	doc   *Document
	stamp stamp
	err   error
}

// Set writes a scalar field. The value must be CBOR-encodable.
func (m *Mutation) Set(key string, value any) {
	if m.err != nil {
		return
	}
	encoded, err := codec.Marshal(value)
	if err != nil {
		m.err = fmt.Errorf("docsync: encoding field %q: %w", key, err)
		return
	}
	m.doc.registers[key] = register{Value: encoded, Stamp: m.stamp}
}

// Delete removes a scalar field, leaving a tombstone.
func (m *Mutation) Delete(key string) {
	if m.err != nil {
		return
	}
	m.doc.registers[key] = register{Stamp: m.stamp, Deleted: true}
}

// Add inserts or updates an element of a collection field.
func (m *Mutation) Add(key, elementID string, value any) {
	if m.err != nil {
		return
	}
	encoded, err := codec.Marshal(value)
	if err != nil {
		m.err = fmt.Errorf("docsync: encoding element %q of %q: %w", elementID, key, err)
		return
	}
	set := m.doc.sets[key]
	if set == nil {
		set = make(map[string]setElement)
		m.doc.sets[key] = set
	}
	set[elementID] = setElement{Value: encoded, Added: m.stamp}
}

// Remove deletes an element of a collection field.
func (m *Mutation) Remove(key, elementID string) {
	if m.err != nil {
		return
	}
	set := m.doc.sets[key]
	if set == nil {
		set = make(map[string]setElement)
		m.doc.sets[key] = set
	}
	element := set[elementID]
	removed := m.stamp
	element.Removed = &removed
	set[elementID] = element
}

// Apply runs a mutation atomically under the document lock. A zero
// meta.Time falls back to the wall clock; actor and time become the
// write stamp for every field the mutator touches.
func (d *Document) Apply(mutate func(*Mutation), meta ChangeMeta) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	when := meta.Time
	if when.IsZero() {
		when = time.Now()
	}
	mutation := &Mutation{
		doc:   d,
		stamp: stamp{UnixMillis: when.UnixMilli(), Actor: meta.Actor.String()},
	}
	mutate(mutation)
	return mutation.err
}

// Merge folds a remote snapshot into this document. Per register the
// later stamp wins; per set element, adds union and the freshest
// add/remove decides visibility. Merging the same snapshot twice is a
// no-op.
func (d *Document) Merge(remoteSnapshot []byte) error {
	var file docFile
	if err := codec.Unmarshal(remoteSnapshot, &file); err != nil {
		return fmt.Errorf("docsync: decoding remote snapshot: %w", err)
	}
	if file.Version != docFileVersion {
		return fmt.Errorf("docsync: unsupported snapshot version %d", file.Version)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, remote := range file.Registers {
		local, exists := d.registers[key]
		if !exists || remote.Stamp.after(local.Stamp) {
			d.registers[key] = remote
			continue
		}
		if local.Stamp != remote.Stamp {
			continue
		}
		// Identical stamps should not happen with honest actors.
		// Break the tie totally so replicas still agree: a delete
		// beats a write, otherwise the larger encoding wins.
		if remote.Deleted != local.Deleted {
			if remote.Deleted {
				d.registers[key] = remote
			}
			continue
		}
		if bytes.Compare(remote.Value, local.Value) > 0 {
			d.registers[key] = remote
		}
	}

	for key, remoteSet := range file.Sets {
		localSet := d.sets[key]
		if localSet == nil {
			localSet = make(map[string]setElement, len(remoteSet))
			d.sets[key] = localSet
		}
		for elementID, remote := range remoteSet {
			local, exists := localSet[elementID]
			if !exists {
				localSet[elementID] = remote
				continue
			}
			merged := local
			if remote.Added.after(local.Added) {
				merged.Value = remote.Value
				merged.Added = remote.Added
			}
			if remote.Removed != nil && (merged.Removed == nil || remote.Removed.after(*merged.Removed)) {
				merged.Removed = remote.Removed
			}
			localSet[elementID] = merged
		}
	}
	return nil
}

// Snapshot serializes the full document state.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return codec.Marshal(docFile{
		Version:   docFileVersion,
		Registers: d.registers,
		Sets:      d.sets,
	})
}

// Load replaces the document state with a snapshot.
func (d *Document) Load(snapshot []byte) error {
	var file docFile
	if err := codec.Unmarshal(snapshot, &file); err != nil {
		return fmt.Errorf("docsync: decoding snapshot: %w", err)
	}
	if file.Version != docFileVersion {
		return fmt.Errorf("docsync: unsupported snapshot version %d", file.Version)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.registers = file.Registers
	if d.registers == nil {
		d.registers = make(map[string]register)
	}
	d.sets = file.Sets
	if d.sets == nil {
		d.sets = make(map[string]map[string]setElement)
	}
	return nil
}

// View materializes the visible state: scalar fields by key, plus
// collection fields as element-id-keyed maps. Tombstoned entries are
// absent. The result is a detached copy.
func (d *Document) View() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	view := make(map[string]any, len(d.registers)+len(d.sets))
	for key, cell := range d.registers {
		if cell.Deleted {
			continue
		}
		var value any
		if err := codec.Unmarshal(cell.Value, &value); err != nil {
			continue
		}
		view[key] = value
	}
	for key, set := range d.sets {
		elements := make(map[string]any)
		for elementID, element := range set {
			if element.Removed != nil && !element.Added.after(*element.Removed) {
				continue
			}
			var value any
			if err := codec.Unmarshal(element.Value, &value); err != nil {
				continue
			}
			elements[elementID] = value
		}
		if len(elements) > 0 {
			view[key] = elements
		}
	}
	return view
}

// Get decodes a scalar field into out. Returns ObjectDoesNotExist
// when the field is absent or tombstoned.
func (d *Document) Get(key string, out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cell, exists := d.registers[key]
	if !exists || cell.Deleted {
		return apperror.Newf(apperror.ObjectDoesNotExist, "no field %q", key)
	}
	if err := codec.Unmarshal(cell.Value, out); err != nil {
		return fmt.Errorf("docsync: decoding field %q: %w", key, err)
	}
	return nil
}

// Element decodes one visible element of a collection field into out.
// Returns ObjectDoesNotExist when the element is absent or removed.
func (d *Document) Element(key, elementID string, out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	element, exists := d.sets[key][elementID]
	if !exists || (element.Removed != nil && !element.Added.after(*element.Removed)) {
		return apperror.Newf(apperror.ObjectDoesNotExist, "no element %q in %q", elementID, key)
	}
	if err := codec.Unmarshal(element.Value, out); err != nil {
		return fmt.Errorf("docsync: decoding element %q of %q: %w", elementID, key, err)
	}
	return nil
}

// SetIDs returns the visible element ids of a collection field,
// sorted. Convenient for index traversal without materializing
// values.
func (d *Document) SetIDs(key string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	for elementID, element := range d.sets[key] {
		if element.Removed != nil && !element.Added.after(*element.Removed) {
			continue
		}
		ids = append(ids, elementID)
	}
	sort.Strings(ids)
	return ids
}
