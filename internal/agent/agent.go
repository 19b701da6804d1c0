// Package agent wires the pagemark components into one service: session
// binding, message buckets, plan extraction, and the write-back queue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pagemark/pagemark-agent/internal/bucket"
	"github.com/pagemark/pagemark-agent/internal/config"
	"github.com/pagemark/pagemark-agent/internal/docid"
	"github.com/pagemark/pagemark-agent/internal/host"
	"github.com/pagemark/pagemark-agent/internal/ledger"
	"github.com/pagemark/pagemark-agent/internal/lockfile"
	"github.com/pagemark/pagemark-agent/internal/plan"
	"github.com/pagemark/pagemark-agent/internal/repair"
	"github.com/pagemark/pagemark-agent/internal/sessionbind"
	"github.com/pagemark/pagemark-agent/internal/store"
	"github.com/pagemark/pagemark-agent/internal/telemetry"
	"github.com/pagemark/pagemark-agent/internal/writeback"
)

// Service is the in-process agent facade consumed by host integrations.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	host     host.Host
	lock     *lockfile.Lock
	durable  store.DurableStore
	sessions *sessionbind.Registry
	buckets  *bucket.Store
	ledger   *ledger.Ledger
	engine   *writeback.Engine
	sink     *telemetry.Sink

	turns   *turnRegistry
	notices *gocache.Cache
}

type Options struct {
	Logger *slog.Logger
	Config *config.Config
	// Host is the document-host automation surface. Required.
	Host host.Host
	// Repairer overrides the HTTP repairer built from the config.
	// Mainly for tests.
	Repairer repair.Repairer
}

func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Host == nil {
		return nil, errors.New("missing host")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	// One agent per state dir; a second instance would interleave queue
	// and ledger writes.
	lock, err := lockfile.AcquireDir(cfg.StateDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("state dir %s is in use by another agent: %w", cfg.StateDir, err)
		}
		return nil, fmt.Errorf("lock state dir: %w", err)
	}

	durable, err := openDurable(log, cfg)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	led, err := ledger.Open(ledger.Options{
		Path:       filepath.Join(cfg.StateDir, "runs.db"),
		MaxEntries: cfg.Ledger.MaxEntries,
	})
	if err != nil {
		_ = durable.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open run ledger: %w", err)
	}

	sink, err := telemetry.New(telemetry.Options{Logger: log, StateDir: cfg.StateDir})
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
		sink = nil
	}

	sessions, err := sessionbind.New(ctx, sessionbind.Options{Logger: log, Store: durable})
	if err != nil {
		_ = led.Close()
		_ = durable.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open session registry: %w", err)
	}

	buckets, err := bucket.NewStore(bucket.Options{
		Logger:      log,
		Durable:     durable,
		MaxMessages: cfg.Bucket.MaxMessages,
		MaxChars:    cfg.Bucket.MaxChars,
	})
	if err != nil {
		_ = led.Close()
		_ = durable.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open message buckets: %w", err)
	}

	repairer := opts.Repairer
	if repairer == nil {
		if endpoint := strings.TrimSpace(cfg.RepairEndpoint); endpoint != "" {
			r, err := repair.NewHTTP(repair.HTTPOptions{BaseURL: endpoint})
			if err != nil {
				_ = led.Close()
				_ = durable.Close()
				_ = lock.Release()
				return nil, fmt.Errorf("repair client: %w", err)
			}
			repairer = r
		}
	}

	engine, err := writeback.New(writeback.Options{
		Logger:      log,
		Host:        opts.Host,
		Repairer:    repairer,
		Ledger:      led,
		Sink:        sink,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		_ = led.Close()
		_ = durable.Close()
		_ = lock.Release()
		return nil, err
	}

	window := time.Duration(cfg.NoticeDedupSeconds) * time.Second
	s := &Service{
		cfg:      cfg,
		log:      log.With("component", "agent"),
		host:     opts.Host,
		lock:     lock,
		durable:  durable,
		sessions: sessions,
		buckets:  buckets,
		ledger:   led,
		engine:   engine,
		sink:     sink,
		turns:    newTurnRegistry(),
		notices:  gocache.New(window, 2*window),
	}

	if err := s.recoverInterrupted(ctx); err != nil {
		log.Warn("run recovery failed", "error", err)
	}
	return s, nil
}

// openDurable builds the two-tier store: sqlite primary with a flat-file
// fallback, so persistence degrades instead of disappearing.
func openDurable(log *slog.Logger, cfg *config.Config) (store.DurableStore, error) {
	secondary, err := store.OpenFile(store.FileOptions{
		Path:          filepath.Join(cfg.StateDir, "store-fallback.json"),
		MaxEntries:    cfg.Store.FallbackMaxEntries,
		MaxValueBytes: int64(cfg.Store.FallbackMaxValueBytes),
	})
	if err != nil {
		return nil, err
	}
	primary, err := store.OpenSQLite(store.SQLiteOptions{
		Path:          filepath.Join(cfg.StateDir, "store.db"),
		MaxEntries:    cfg.Store.MaxEntries,
		MaxValueBytes: int64(cfg.Store.MaxValueBytes),
	})
	if err != nil {
		log.Warn("sqlite store unavailable, using file store only", "error", err)
		return secondary, nil
	}
	return store.NewTiered(log, primary, secondary)
}

// recoverInterrupted re-enqueues ledger rows left queued or running by a
// previous process. Rows whose message no longer exists in its session
// bucket are closed out.
func (s *Service) recoverInterrupted(ctx context.Context) error {
	runs, err := s.ledger.ListIncomplete(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}

	// Preload the buckets so the existence check is in-memory.
	loaded := make(map[string]*bucket.Bucket)
	for _, r := range runs {
		sid := strings.TrimSpace(r.SessionID)
		if sid == "" {
			continue
		}
		if _, ok := loaded[sid]; ok {
			continue
		}
		b, err := s.buckets.Get(ctx, sid)
		if err != nil {
			s.log.Warn("bucket load failed during recovery", "session_id", sid, "error", err)
			continue
		}
		loaded[sid] = b
	}

	exists := func(messageID string) bool {
		for _, b := range loaded {
			if b.Find(messageID) != nil {
				return true
			}
		}
		return false
	}
	_, err = s.engine.Recover(ctx, exists)
	return err
}

// ResolveSession maps a document identity to its stable session, creating a
// binding on first contact. Returns the session id and the canonical
// document key.
func (s *Service) ResolveSession(ctx context.Context, ident docid.Identity) (string, string, error) {
	open, err := s.host.OpenDocuments(ctx)
	if err != nil {
		s.log.Warn("open documents query failed", "error", err)
		open = nil
	}
	return s.sessions.SessionFor(ctx, ident, open)
}

// AppendMessage records a message in the session's bucket. A blank id is
// generated; a zero timestamp is filled with now.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, m bucket.Message) (string, error) {
	if strings.TrimSpace(m.ID) == "" {
		id, err := bucket.NewMessageID()
		if err != nil {
			return "", err
		}
		m.ID = id
	}
	if err := s.buckets.Append(ctx, sessionID, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// HandleAssistantMessage records a completed assistant message, extracts its
// plan blocks, and enqueues them for write-back against the document the
// message was produced for. Returns the message id, the write-back run id
// ("" when the message carried no plans), and the number of blocks queued.
func (s *Service) HandleAssistantMessage(ctx context.Context, sessionID string, ident *docid.Identity, content string) (string, string, int, error) {
	messageID, err := s.AppendMessage(ctx, sessionID, bucket.Message{
		Kind:    bucket.KindAssistant,
		Content: content,
	})
	if err != nil {
		return "", "", 0, err
	}

	blocks := plan.ExtractBlocks(content)
	if len(blocks) == 0 {
		return messageID, "", 0, nil
	}
	runID, err := s.enqueueBlocks(sessionID, messageID, ident, blocks)
	if err != nil {
		return messageID, "", 0, err
	}
	return messageID, runID, len(blocks), nil
}

// EnqueueWriteback re-runs the plans of an existing message, e.g. after the
// user edits a block or retries a failure. When targetBlockID is non-empty,
// only that block is re-applied.
func (s *Service) EnqueueWriteback(ctx context.Context, sessionID string, messageID string, ident *docid.Identity, targetBlockID string) (string, error) {
	b, err := s.buckets.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	msg := b.Find(messageID)
	if msg == nil {
		return "", fmt.Errorf("message %s not found in session %s", messageID, sessionID)
	}
	blocks := plan.ExtractBlocks(msg.Content)
	if targetBlockID != "" {
		var filtered []plan.Block
		for _, blk := range blocks {
			if blk.BlockID == targetBlockID {
				filtered = append(filtered, blk)
			}
		}
		blocks = filtered
	}
	if len(blocks) == 0 {
		return "", fmt.Errorf("message %s has no matching plan blocks", messageID)
	}
	return s.enqueueBlocks(sessionID, messageID, ident, blocks)
}

func (s *Service) enqueueBlocks(sessionID string, messageID string, ident *docid.Identity, blocks []plan.Block) (string, error) {
	job := writeback.Job{
		SessionID:  sessionID,
		MessageID:  messageID,
		DocContext: ident,
	}
	if ident != nil {
		job.DocKey = docid.ComputeKey(*ident)
	} else if key, ok := s.sessions.KeyForSession(sessionID); ok {
		job.DocKey = key
	}
	for _, blk := range blocks {
		job.Blocks = append(job.Blocks, writeback.JobBlock{BlockID: blk.BlockID, PlanJSON: blk.PlanJSON})
	}
	return s.engine.Enqueue(job)
}

// CancelPending drops queued (not yet executing) write-back jobs for the
// session. Returns the number of jobs removed.
func (s *Service) CancelPending(sessionID string) int {
	return s.engine.CancelPending(writeback.CancelFilter{SessionID: sessionID})
}

// CancelPendingForDoc drops queued write-back jobs targeting the document
// key, regardless of session.
func (s *Service) CancelPendingForDoc(docKey string) int {
	return s.engine.CancelPending(writeback.CancelFilter{DocKey: docKey})
}

// GetRunStatus returns the durable run record for one block, or nil when no
// run exists.
func (s *Service) GetRunStatus(ctx context.Context, messageID string, blockID string) (*ledger.Run, error) {
	return s.ledger.Get(ctx, messageID, blockID)
}

// SessionStatus is the coarse per-session state surfaced in UI.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusGenerating SessionStatus = "generating"
	StatusQueued     SessionStatus = "queued"
	StatusWriting    SessionStatus = "writing"
	StatusSuccess    SessionStatus = "success"
	StatusFailed     SessionStatus = "failed"
)

// GetSessionStatus derives the session's status: an active turn wins, then
// live queue state, then the latest terminal run. Cancelled runs read as
// idle since the user asked for them to not happen.
func (s *Service) GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if s.turns.active(sessionID) {
		return StatusGenerating, nil
	}
	queued, writing := s.engine.SessionActivity(sessionID)
	if writing {
		return StatusWriting, nil
	}
	if queued {
		return StatusQueued, nil
	}
	run, err := s.ledger.LatestTerminalForSession(ctx, sessionID)
	if err != nil {
		return StatusIdle, err
	}
	switch {
	case run == nil:
		return StatusIdle, nil
	case run.Status == ledger.StatusSuccess:
		return StatusSuccess, nil
	case run.ErrorCode == string(writeback.ErrCodeCancelled):
		return StatusIdle, nil
	default:
		return StatusFailed, nil
	}
}

// GetSessionStatusForDoc resolves the session bound to the document key and
// returns its status. An unbound key reads as idle.
func (s *Service) GetSessionStatusForDoc(ctx context.Context, docKey string) (SessionStatus, error) {
	sessionID, ok := s.sessions.Lookup(docKey)
	if !ok {
		return StatusIdle, nil
	}
	return s.GetSessionStatus(ctx, sessionID)
}

// ShouldSurfaceFailure decides whether a failure notice for the run should
// be shown now. Cancellations are silent, and repeats for the same block
// within the dedup window are suppressed.
func (s *Service) ShouldSurfaceFailure(run *ledger.Run) bool {
	if run == nil || run.Status != ledger.StatusError {
		return false
	}
	if !writeback.ErrorCode(run.ErrorCode).UserVisible() {
		return false
	}
	key := run.MessageID + "\x00" + run.BlockID
	if err := s.notices.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		return false
	}
	return true
}

// Flush forces all debounced bucket state to durable storage.
func (s *Service) Flush(ctx context.Context) error {
	return s.buckets.Flush(ctx)
}

// Close stops the queue, waits briefly for the in-flight block, and flushes
// state. Queued work stays in the ledger for the next start.
func (s *Service) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.turns.cancelAll("agent shutting down")
	s.engine.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.engine.WaitIdle(waitCtx)

	var errs []error
	if err := s.buckets.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush buckets: %w", err))
	}
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	if err := s.durable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release state lock: %w", err))
	}
	return errors.Join(errs...)
}
