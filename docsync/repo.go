// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/clock"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/store"
	"github.com/roaringroster/core/trust"
)

const (
	documentRecordPrefix = "doc_"
	documentRecordType   = "document"
	indexRecordPrefix    = "docindex_"
	indexRecordType      = "docindex"

	// indexDocumentsKey is the collection field of an index document
	// holding the registered document ids.
	indexDocumentsKey = "documents"
)

// Config carries optional collaborators for a Repo.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Repo loads, persists, and replicates documents for one open
// account store. Local writes always succeed against the store;
// replication happens when the session layer exchanges snapshots via
// ApplyRemote and ExportDocument.
type Repo struct {
	db     *store.Store
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	handles  map[ref.DocumentID]*Handle
	subToken int
}

// NewRepo creates a repo over an open store. The repo subscribes to
// the store's synced-table events so handle watchers fire on both
// local writes and merged remote changes. Call Close when done.
func NewRepo(db *store.Store, cfg Config) *Repo {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	repo := &Repo{
		db:      db,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		handles: make(map[ref.DocumentID]*Handle),
	}
	repo.subToken = db.Subscribe(repo.onStoreEvent)
	return repo
}

// Close detaches the repo from the store. Handles stay valid for
// reads but stop receiving change notifications.
func (r *Repo) Close() {
	r.db.Unsubscribe(r.subToken)
}

// Handle is a lazy reference to one document. A handle from Create is
// ready immediately; a handle from Find becomes ready once the
// document is loaded from the store or arrives from a peer.
type Handle struct {
	id ref.DocumentID

	ready chan struct{}

	mu       sync.Mutex
	doc      *Document
	watchers map[int]func()
	nextID   int
}

// ID returns the document id.
func (h *Handle) ID() ref.DocumentID { return h.id }

// WhenReady blocks until the document body is available or the
// context ends. A context deadline classifies as TIMEOUT, matching
// the session layer's network waits.
func (h *Handle) WhenReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return apperror.Wrap(apperror.Timeout, ctx.Err())
	}
}

// Doc returns the document, or ObjectDoesNotExist while the handle is
// not yet ready.
func (h *Handle) Doc() (*Document, error) {
	select {
	case <-h.ready:
	default:
		return nil, apperror.Newf(apperror.ObjectDoesNotExist, "document %s is not loaded", h.id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc, nil
}

// Subscribe registers a callback invoked after every change to the
// document, local or merged. Callbacks run synchronously on the
// mutating goroutine; read the new state with Doc().View().
func (h *Handle) Subscribe(callback func()) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	if h.watchers == nil {
		h.watchers = make(map[int]func())
	}
	h.watchers[h.nextID] = callback
	return h.nextID
}

// Unsubscribe removes a watcher registered with Subscribe.
func (h *Handle) Unsubscribe(token int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, token)
}

func (h *Handle) notifyWatchers() {
	h.mu.Lock()
	callbacks := make([]func(), 0, len(h.watchers))
	for _, callback := range h.watchers {
		callbacks = append(callbacks, callback)
	}
	h.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
}

// resolve marks the handle ready with the given document. Only the
// first resolution takes effect.
func (h *Handle) resolve(doc *Document) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.ready:
		return
	default:
	}
	h.doc = doc
	close(h.ready)
}

func documentRecordID(id ref.DocumentID) string {
	return documentRecordPrefix + id.String()
}

// Create allocates a fresh document, persists its empty snapshot, and
// returns a ready handle.
func (r *Repo) Create(ctx context.Context) (*Handle, error) {
	id := ref.NewDocumentID()
	doc := NewDocument()
	if err := r.save(ctx, id, doc); err != nil {
		return nil, err
	}

	handle := r.handle(id)
	handle.resolve(doc)
	return handle, nil
}

// Find returns a handle for the given id. If the document exists
// locally the handle is ready on return; otherwise it becomes ready
// when a peer's copy arrives via ApplyRemote.
func (r *Repo) Find(ctx context.Context, id ref.DocumentID) (*Handle, error) {
	handle := r.handle(id)

	select {
	case <-handle.ready:
		return handle, nil
	default:
	}

	record, err := r.db.GetSynced(ctx, documentRecordID(id))
	if apperror.Is(err, apperror.ObjectDoesNotExist) {
		// Not local yet; stays pending until sync delivers it.
		return handle, nil
	}
	if err != nil {
		return nil, err
	}

	doc := NewDocument()
	if err := doc.Load(record.Value); err != nil {
		return nil, err
	}
	handle.resolve(doc)
	return handle, nil
}

// handle returns the shared handle for an id, creating it pending.
func (r *Repo) handle(id ref.DocumentID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.handles[id]; exists {
		return existing
	}
	handle := &Handle{
		id:    id,
		ready: make(chan struct{}),
	}
	r.handles[id] = handle
	return handle
}

// Change applies a local mutation and persists the new snapshot. The
// write never blocks on connectivity; replication picks up the
// snapshot opportunistically.
func (r *Repo) Change(ctx context.Context, handle *Handle, mutate func(*Mutation), meta ChangeMeta) error {
	doc, err := handle.Doc()
	if err != nil {
		return err
	}
	if meta.Time.IsZero() {
		meta.Time = r.clock.Now()
	}
	if err := doc.Apply(mutate, meta); err != nil {
		return err
	}
	if meta.Message != "" {
		r.logger.Debug("document changed", "document", handle.id.String(), "message", meta.Message)
	}
	return r.save(ctx, handle.id, doc)
}

// ApplyRemote merges a peer's snapshot into the local replica,
// creating the document if it is new, and persists the merged state.
// Called by the session layer for incoming docChange frames.
func (r *Repo) ApplyRemote(ctx context.Context, id ref.DocumentID, snapshot []byte) error {
	handle := r.handle(id)

	var doc *Document
	if existing, err := handle.Doc(); err == nil {
		doc = existing
	} else {
		record, err := r.db.GetSynced(ctx, documentRecordID(id))
		switch {
		case err == nil:
			doc = NewDocument()
			if err := doc.Load(record.Value); err != nil {
				return err
			}
		case apperror.Is(err, apperror.ObjectDoesNotExist):
			doc = NewDocument()
		default:
			return err
		}
	}

	if err := doc.Merge(snapshot); err != nil {
		return err
	}
	if err := r.save(ctx, id, doc); err != nil {
		return err
	}
	handle.resolve(doc)
	return nil
}

// ExportDocument returns the persisted snapshot of a document, for
// outgoing docChange frames.
func (r *Repo) ExportDocument(ctx context.Context, id ref.DocumentID) ([]byte, error) {
	record, err := r.db.GetSynced(ctx, documentRecordID(id))
	if err != nil {
		return nil, err
	}
	return record.Value, nil
}

// ListDocuments returns the ids of all locally persisted documents.
func (r *Repo) ListDocuments(ctx context.Context) ([]ref.DocumentID, error) {
	recordIDs, err := r.db.ListSynced(ctx, documentRecordType)
	if err != nil {
		return nil, err
	}
	ids := make([]ref.DocumentID, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		raw := strings.TrimPrefix(recordID, documentRecordPrefix)
		id, err := ref.ParseDocumentID(raw)
		if err != nil {
			r.logger.Warn("skipping malformed document record", "record", recordID)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Repo) save(ctx context.Context, id ref.DocumentID, doc *Document) error {
	snapshot, err := doc.Snapshot()
	if err != nil {
		return err
	}
	return r.db.PutSynced(ctx, store.Record{
		ID:    documentRecordID(id),
		Type:  documentRecordType,
		Value: snapshot,
	})
}

// onStoreEvent routes synced-table changes to handle watchers.
func (r *Repo) onStoreEvent(kind store.EventKind, key string, record store.Record) {
	if record.Type != documentRecordType {
		return
	}
	raw := strings.TrimPrefix(key, documentRecordPrefix)
	id, err := ref.ParseDocumentID(raw)
	if err != nil {
		return
	}

	r.mu.Lock()
	handle, exists := r.handles[id]
	r.mu.Unlock()
	if exists {
		handle.notifyWatchers()
	}
}

// --- shared-document index ---

func indexRecordID(share ref.ShareID) string {
	return indexRecordPrefix + share.String()
}

// indexDocument loads (or creates) the index document of a share. The
// index is itself a convergent document so peers can register
// documents concurrently.
func (r *Repo) indexDocument(ctx context.Context, share ref.ShareID) (*Document, error) {
	record, err := r.db.GetSynced(ctx, indexRecordID(share))
	switch {
	case err == nil:
		doc := NewDocument()
		if err := doc.Load(record.Value); err != nil {
			return nil, err
		}
		return doc, nil
	case apperror.Is(err, apperror.ObjectDoesNotExist):
		return NewDocument(), nil
	default:
		return nil, err
	}
}

func (r *Repo) saveIndex(ctx context.Context, share ref.ShareID, doc *Document) error {
	snapshot, err := doc.Snapshot()
	if err != nil {
		return err
	}
	return r.db.PutSynced(ctx, store.Record{
		ID:    indexRecordID(share),
		Type:  indexRecordType,
		Value: snapshot,
	})
}

// RegisterInTeam adds a document to the share's replicated document
// index. Registered documents are replicated to every member of the
// team.
func (r *Repo) RegisterInTeam(ctx context.Context, handle *Handle, team *trust.Team, actor ref.ActorID) error {
	index, err := r.indexDocument(ctx, team.ShareID())
	if err != nil {
		return err
	}
	err = index.Apply(func(m *Mutation) {
		m.Add(indexDocumentsKey, handle.id.String(), true)
	}, ChangeMeta{Actor: actor, Time: r.clock.Now()})
	if err != nil {
		return err
	}
	return r.saveIndex(ctx, team.ShareID(), index)
}

// Unregister removes a document from the share's index and deletes
// the local replica. Both sides go together: an unregistered document
// must not linger locally, and a deleted replica must not stay
// indexed.
func (r *Repo) Unregister(ctx context.Context, handle *Handle, team *trust.Team, actor ref.ActorID) error {
	index, err := r.indexDocument(ctx, team.ShareID())
	if err != nil {
		return err
	}
	err = index.Apply(func(m *Mutation) {
		m.Remove(indexDocumentsKey, handle.id.String())
	}, ChangeMeta{Actor: actor, Time: r.clock.Now()})
	if err != nil {
		return err
	}
	if err := r.saveIndex(ctx, team.ShareID(), index); err != nil {
		return err
	}

	if err := r.db.DeleteSynced(ctx, documentRecordID(handle.id)); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.handles, handle.id)
	r.mu.Unlock()
	return nil
}

// RegisteredDocuments returns the document ids currently registered
// in the share's index, sorted.
func (r *Repo) RegisteredDocuments(ctx context.Context, share ref.ShareID) ([]ref.DocumentID, error) {
	index, err := r.indexDocument(ctx, share)
	if err != nil {
		return nil, err
	}
	var ids []ref.DocumentID
	for _, raw := range index.SetIDs(indexDocumentsKey) {
		id, err := ref.ParseDocumentID(raw)
		if err != nil {
			return nil, fmt.Errorf("docsync: malformed index entry %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MergeIndex folds a peer's index snapshot into the local one, used
// by the session layer alongside document merges.
func (r *Repo) MergeIndex(ctx context.Context, share ref.ShareID, snapshot []byte) error {
	index, err := r.indexDocument(ctx, share)
	if err != nil {
		return err
	}
	if err := index.Merge(snapshot); err != nil {
		return err
	}
	return r.saveIndex(ctx, share, index)
}

// ExportIndex returns the share's index snapshot, or
// ObjectDoesNotExist when nothing was registered yet.
func (r *Repo) ExportIndex(ctx context.Context, share ref.ShareID) ([]byte, error) {
	record, err := r.db.GetSynced(ctx, indexRecordID(share))
	if err != nil {
		return nil, err
	}
	return record.Value, nil
}
