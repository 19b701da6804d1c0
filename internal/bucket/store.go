package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pagemark/pagemark-agent/internal/store"
)

const (
	defaultMaxMessages    = 200
	defaultMaxChars       = 400_000
	defaultPersistLag     = 2 * time.Second
	defaultPersistTimeout = 10 * time.Second

	keyPrefix = "bucket/"
)

// Store hands out stable per-session buckets and persists them with a
// debounced, bounded write policy (oldest messages dropped first when over
// the count or character budget).
type Store struct {
	log     *slog.Logger
	durable store.DurableStore

	maxMessages    int
	maxChars       int
	persistLag     time.Duration
	persistTimeout time.Duration

	mu      sync.Mutex
	buckets map[string]*Bucket
	timers  map[string]*time.Timer
}

type Options struct {
	Logger  *slog.Logger
	Durable store.DurableStore

	// MaxMessages and MaxChars bound a persisted bucket. If <= 0,
	// defaults apply.
	MaxMessages int
	MaxChars    int

	// PersistLag is the debounce window between an append and the durable
	// write. If <= 0, a default applies.
	PersistLag time.Duration
}

func NewStore(opts Options) (*Store, error) {
	if opts.Durable == nil {
		return nil, errors.New("missing durable store")
	}
	s := &Store{
		log:            opts.Logger,
		durable:        opts.Durable,
		maxMessages:    opts.MaxMessages,
		maxChars:       opts.MaxChars,
		persistLag:     opts.PersistLag,
		persistTimeout: defaultPersistTimeout,
		buckets:        make(map[string]*Bucket),
		timers:         make(map[string]*time.Timer),
	}
	if s.maxMessages <= 0 {
		s.maxMessages = defaultMaxMessages
	}
	if s.maxChars <= 0 {
		s.maxChars = defaultMaxChars
	}
	if s.persistLag <= 0 {
		s.persistLag = defaultPersistLag
	}
	return s, nil
}

// Get returns the session's bucket, loading persisted history on first
// access and creating an empty bucket when none exists. The returned
// pointer is stable for the session's lifetime.
func (s *Store) Get(ctx context.Context, sessionID string) (*Bucket, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	s.mu.Lock()
	if b, ok := s.buckets[sessionID]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	// Load outside the lock: the durable store may be slow.
	var msgs []Message
	raw, ok, err := s.durable.Get(ctx, keyPrefix+sessionID)
	if err != nil {
		return nil, err
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			if s.log != nil {
				s.log.Warn("bucket payload corrupt, starting empty",
					"session_id", sessionID, "error", err)
			}
			msgs = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[sessionID]; ok {
		return b, nil
	}
	b := &Bucket{sessionID: sessionID, msgs: msgs}
	s.buckets[sessionID] = b
	return b, nil
}

// Append adds a message to the session's bucket and schedules a debounced
// persist. The message kind must be valid.
func (s *Store) Append(ctx context.Context, sessionID string, m Message) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return err
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		id, err := NewMessageID()
		if err != nil {
			return err
		}
		m.ID = id
	}
	if m.TimestampUnixMs <= 0 {
		m.TimestampUnixMs = time.Now().UnixMilli()
	}

	b, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	b.append(m)
	s.schedulePersist(sessionID)
	return nil
}

// Persist writes the session's bucket durably now, applying the trim policy.
func (s *Store) Persist(ctx context.Context, sessionID string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}

	s.mu.Lock()
	b := s.buckets[sessionID]
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
	s.mu.Unlock()
	if b == nil {
		return nil
	}

	msgs := b.trim(s.maxMessages, s.maxChars)
	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.durable.Set(ctx, keyPrefix+sessionID, raw)
}

// Flush persists every dirty bucket. Used on shutdown.
func (s *Store) Flush(ctx context.Context) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Persist(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) schedulePersist(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[sessionID]; ok {
		t.Reset(s.persistLag)
		return
	}
	s.timers[sessionID] = time.AfterFunc(s.persistLag, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if err := s.Persist(ctx, sessionID); err != nil && s.log != nil {
			s.log.Warn("bucket persist failed", "session_id", sessionID, "error", err)
		}
	})
}
