package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pagemark/pagemark-agent/internal/telemetry"
	"github.com/pagemark/pagemark-agent/internal/writeback"
)

// turn tracks one in-flight model generation for a session.
type turn struct {
	runID  string
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
	doneCh chan struct{}
}

func (t *turn) requestCancel(reason string) {
	t.mu.Lock()
	if t.reason == "" {
		t.reason = strings.TrimSpace(reason)
	}
	t.mu.Unlock()
	t.cancel()
}

// CancelReason returns the reason passed to the first cancel request, or ""
// when the turn was not cancelled.
func (t *turn) CancelReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

type turnRegistry struct {
	mu    sync.Mutex
	turns map[string]*turn
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{turns: make(map[string]*turn)}
}

func (r *turnRegistry) active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.turns[sessionID]
	return ok
}

func (r *turnRegistry) cancelAll(reason string) {
	r.mu.Lock()
	turns := make([]*turn, 0, len(r.turns))
	for _, t := range r.turns {
		turns = append(turns, t)
	}
	r.mu.Unlock()
	for _, t := range turns {
		t.requestCancel(reason)
	}
}

// BeginTurn marks the session as generating and returns a context the model
// call must run under. A turn already active for the session is cancelled
// and replaced; one session never generates twice concurrently.
func (s *Service) BeginTurn(ctx context.Context, sessionID string) (context.Context, string) {
	runID := "run_" + uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{runID: runID, cancel: cancel, doneCh: make(chan struct{})}

	s.turns.mu.Lock()
	if prev, ok := s.turns.turns[sessionID]; ok {
		prev.requestCancel("superseded by a new turn")
	}
	s.turns.turns[sessionID] = t
	s.turns.mu.Unlock()

	s.sink.Emit(telemetry.Event{
		Kind:      "turn_start",
		RunID:     runID,
		SessionID: sessionID,
	})
	return turnCtx, runID
}

// EndTurn clears the generating state. Call it when the model call returns,
// cancelled or not.
func (s *Service) EndTurn(sessionID string) {
	s.turns.mu.Lock()
	t, ok := s.turns.turns[sessionID]
	if ok {
		delete(s.turns.turns, sessionID)
	}
	s.turns.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	close(t.doneCh)

	kind := "turn_done"
	if t.CancelReason() != "" {
		kind = "turn_cancelled"
	}
	s.sink.Emit(telemetry.Event{
		Kind:      kind,
		RunID:     t.runID,
		SessionID: sessionID,
		Detail:    detailFor(t.CancelReason()),
	})
}

// CancelTurn stops the session's in-flight generation and drops its queued
// write-back jobs. The in-flight plan block, if any, finishes. Returns
// whether anything was actually cancelled.
func (s *Service) CancelTurn(sessionID string, reason string) bool {
	s.turns.mu.Lock()
	t, generating := s.turns.turns[sessionID]
	s.turns.mu.Unlock()

	if generating {
		t.requestCancel(reason)
	}
	dropped := s.engine.CancelPending(writeback.CancelFilter{SessionID: sessionID})

	if generating || dropped > 0 {
		s.log.Info("turn cancelled",
			"session_id", sessionID,
			"reason", strings.TrimSpace(reason),
			"jobs_dropped", dropped)
		return true
	}
	return false
}

func detailFor(reason string) map[string]any {
	if strings.TrimSpace(reason) == "" {
		return nil
	}
	return map[string]any{"reason": strings.TrimSpace(reason)}
}
