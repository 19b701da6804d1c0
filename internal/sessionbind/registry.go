// Package sessionbind owns the durable DocKey -> SessionID index: which
// conversation thread belongs to which open document, including migration of
// the binding when a document changes identity (e.g. an unsaved document
// acquires a path on first save).
package sessionbind

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/pagemark/pagemark-agent/internal/docid"
	"github.com/pagemark/pagemark-agent/internal/store"
)

// ErrNoUsableIdentity is returned when an identity yields no key at all;
// callers must fall back to an ephemeral session.
var ErrNoUsableIdentity = errors.New("document identity has no usable field")

const indexKey = "session_index/v1"

// Issuer mints a session id for a new document identity. Called at most once
// per identity; the result is cached and persisted.
type Issuer interface {
	GenerateSessionID(ctx context.Context, identity docid.Identity) (string, error)
}

// LocalIssuer generates opaque session ids locally.
type LocalIssuer struct{}

func (LocalIssuer) GenerateSessionID(context.Context, docid.Identity) (string, error) {
	return NewSessionID()
}

// NewSessionID generates a cryptographically random session id.
func NewSessionID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "s_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// Registry caches and persists the DocKey -> SessionID index.
//
// Invariant: at most one session id per key at any time. Migration removes
// the old mapping in the same in-memory mutation that installs the new one,
// and both land in the store in a single write, so history is never
// duplicated or lost mid-migration.
type Registry struct {
	log    *slog.Logger
	store  store.DurableStore
	issuer Issuer

	mu    sync.Mutex
	index map[string]string
}

type Options struct {
	Logger *slog.Logger
	Store  store.DurableStore
	// Issuer may be nil; LocalIssuer is used then.
	Issuer Issuer
}

func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	issuer := opts.Issuer
	if issuer == nil {
		issuer = LocalIssuer{}
	}

	r := &Registry{
		log:    opts.Logger,
		store:  opts.Store,
		issuer: issuer,
		index:  make(map[string]string),
	}

	b, ok, err := opts.Store.Get(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	if ok && len(b) > 0 {
		if err := json.Unmarshal(b, &r.index); err != nil {
			// A corrupt index means re-issued sessions, not a dead engine.
			if r.log != nil {
				r.log.Warn("session index corrupt, starting empty", "error", err)
			}
			r.index = make(map[string]string)
		}
	}
	return r, nil
}

// SessionFor resolves the session id for a document identity, issuing and
// binding a new one on first contact.
//
// Candidate keys are probed most-durable-first (path, id, name). A hit under
// a non-canonical key migrates the binding to the canonical key: this is how
// an unsaved document keeps its thread after first save, and how a document
// reopened under a new host id keeps its thread via its stable path.
//
// The name key is never consulted when two or more unsaved open documents
// share the name: the binding cannot be attributed to one of them, so the
// saved document gets a fresh session and the stale name binding stays put.
func (r *Registry) SessionFor(ctx context.Context, ident docid.Identity, open []docid.Identity) (string, string, error) {
	if r == nil {
		return "", "", errors.New("registry not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	canonical := docid.ComputeKey(ident)
	if canonical == "" {
		return "", "", ErrNoUsableIdentity
	}
	candidates := docid.CandidateKeys(ident)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sid, ok := r.index[canonical]; ok {
		return sid, canonical, nil
	}
	for _, key := range candidates[1:] {
		if r.isAmbiguousNameKey(ident, key, open) {
			if r.log != nil {
				r.log.Warn("skipping ambiguous unsaved-name binding",
					"key", key, "canonical", canonical)
			}
			continue
		}
		sid, ok := r.index[key]
		if !ok {
			continue
		}
		if err := r.migrateLocked(ctx, key, canonical); err != nil {
			return "", "", err
		}
		return sid, canonical, nil
	}

	sid, err := r.issuer.GenerateSessionID(ctx, ident)
	if err != nil {
		return "", "", err
	}
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return "", "", errors.New("issuer returned empty session id")
	}
	r.index[canonical] = sid
	if err := r.persistLocked(ctx); err != nil {
		delete(r.index, canonical)
		return "", "", err
	}
	if r.log != nil {
		r.log.Debug("session bound", "doc_key", canonical, "session_id", sid)
	}
	return sid, canonical, nil
}

// Lookup returns the session id bound to a doc key without issuing one.
func (r *Registry) Lookup(docKey string) (string, bool) {
	if r == nil {
		return "", false
	}
	docKey = strings.TrimSpace(docKey)
	if docKey == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.index[docKey]
	return sid, ok
}

// KeyForSession returns the doc key currently bound to a session id, if any.
func (r *Registry) KeyForSession(sessionID string) (string, bool) {
	if r == nil {
		return "", false
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.index {
		if v == sessionID {
			return k, true
		}
	}
	return "", false
}

// Migrate rebinds oldKey's session to newKey. No-op when oldKey is unbound.
func (r *Registry) Migrate(ctx context.Context, oldKey string, newKey string) error {
	if r == nil {
		return errors.New("registry not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	oldKey = strings.TrimSpace(oldKey)
	newKey = strings.TrimSpace(newKey)
	if oldKey == "" || newKey == "" {
		return errors.New("missing key")
	}
	if oldKey == newKey {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[oldKey]; !ok {
		return nil
	}
	return r.migrateLocked(ctx, oldKey, newKey)
}

func (r *Registry) migrateLocked(ctx context.Context, oldKey string, newKey string) error {
	sid := r.index[oldKey]
	delete(r.index, oldKey)
	r.index[newKey] = sid
	if err := r.persistLocked(ctx); err != nil {
		// Roll the in-memory state back so memory and disk stay in step.
		delete(r.index, newKey)
		r.index[oldKey] = sid
		return err
	}
	if r.log != nil {
		r.log.Info("session binding migrated",
			"old_key", oldKey, "new_key", newKey, "session_id", sid)
	}
	return nil
}

func (r *Registry) isAmbiguousNameKey(ident docid.Identity, key string, open []docid.Identity) bool {
	name := strings.TrimSpace(ident.Name)
	if name == "" {
		return false
	}
	if key != strings.TrimSpace(ident.HostApp)+":"+name {
		return false
	}
	return docid.AmbiguousUnsavedName(open, name)
}

func (r *Registry) persistLocked(ctx context.Context) error {
	b, err := json.Marshal(r.index)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, indexKey, b)
}
