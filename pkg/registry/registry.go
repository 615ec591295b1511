// Package registry owns the in-memory session table: one Session per chat,
// restored from the snapshot store on first access and kept for the life of
// the process. Restoration failures degrade the session instead of failing
// the request.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stepwire/stepwire/internal/observability"
	"github.com/stepwire/stepwire/internal/tracing"
	"github.com/stepwire/stepwire/pkg/snapshot"
	"github.com/stepwire/stepwire/pkg/step"
)

// CredentialSource acquires a shared downstream credential. It is called at
// most once per process, on first session creation.
type CredentialSource func(ctx context.Context) (string, error)

// Session is the live state of one chat
type Session struct {
	ChatID string

	mu         sync.Mutex
	memory     *step.Memory
	stepNumber int
	task       string
	state      map[string]interface{}
	degraded   bool
	lastActive time.Time
}

func newSession(chatID string, mem *step.Memory, degraded bool) *Session {
	task, _ := mem.LastTask()
	return &Session{
		ChatID:     chatID,
		memory:     mem,
		stepNumber: mem.Len() + 1,
		task:       task,
		state:      make(map[string]interface{}),
		degraded:   degraded,
		lastActive: time.Now(),
	}
}

// BeginRun marks the start of a run. With reset the memory is cleared and
// numbering starts over.
func (s *Session) BeginRun(task string, reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reset {
		s.memory.Reset()
		s.stepNumber = 1
	}
	s.task = task
	s.lastActive = time.Now()
}

// RecordStep appends a step to the session memory and returns its step
// number within the conversation.
func (s *Session) RecordStep(st step.Step) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.Append(st)
	n := s.stepNumber
	s.stepNumber++
	s.lastActive = time.Now()
	return n
}

// MemorySnapshot returns an isolated copy of the session memory
func (s *Session) MemorySnapshot() *step.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory.Clone()
}

// StepNumber returns the number the next step will receive
func (s *Session) StepNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepNumber
}

// Task returns the most recent task, empty when none is known
func (s *Session) Task() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// Degraded reports whether the session started without its persisted memory
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// SetStateValue stores an auxiliary state entry on the session
func (s *Session) SetStateValue(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
}

// StateValue reads an auxiliary state entry
func (s *Session) StateValue(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

// LastActive returns the time of the session's most recent activity
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch refreshes the session's activity timestamp
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// Config holds registry configuration
type Config struct {
	Store            *snapshot.Store
	CredentialSource CredentialSource
	Logger           zerolog.Logger
}

// Registry maps chat ids to sessions. It is built once at startup and
// shared by the transports.
type Registry struct {
	store      *snapshot.Store
	credSource CredentialSource
	logger     zerolog.Logger

	mu          sync.Mutex
	sessions    map[string]*Session
	cred        string
	credFetched bool
}

// New creates an empty registry backed by the given snapshot store
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	observability.EnsureRegistered()

	return &Registry{
		store:      cfg.Store,
		credSource: cfg.CredentialSource,
		logger:     cfg.Logger,
		sessions:   make(map[string]*Session),
	}, nil
}

// GetOrCreate returns the session for a chat, restoring it from the
// snapshot store on first access. Concurrent calls for the same chat
// observe exactly one restoration.
func (r *Registry) GetOrCreate(ctx context.Context, chatID string) (*Session, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chat id cannot be empty")
	}

	ctx, span := tracing.StartSpan(ctx, "registry", "registry.get_or_create",
		attribute.String("chat_id", chatID))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[chatID]; ok {
		sess.Touch()
		return sess, nil
	}

	if err := r.ensureCredentialLocked(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to acquire downstream credential: %w", err)
	}

	sess := r.restoreLocked(ctx, chatID, logger)
	r.sessions[chatID] = sess
	observability.SetActiveSessions(len(r.sessions))

	return sess, nil
}

// restoreLocked builds a session from the chat's snapshot. Missing
// snapshots start fresh; unreadable ones, and snapshots that carry no
// task, start degraded.
func (r *Registry) restoreLocked(ctx context.Context, chatID string, logger zerolog.Logger) *Session {
	mem, err := r.store.Load(ctx, chatID)
	switch {
	case err == nil:
		sess := newSession(chatID, mem, false)
		if sess.task == "" && mem.Len() > 0 {
			// A snapshot without a task step cannot tell us what the
			// session was working on.
			sess.degraded = true
			observability.RecordSessionRestore("degraded")
			logger.Warn().
				Str("chatID", chatID).
				Int("steps", mem.Len()).
				Msg("Task not restored from snapshot, session degraded")
			return sess
		}
		observability.RecordSessionRestore("restored")
		logger.Info().
			Str("chatID", chatID).
			Int("steps", mem.Len()).
			Msg("Session restored from snapshot")
		return sess

	case errors.Is(err, snapshot.ErrNotFound):
		observability.RecordSessionRestore("fresh")
		logger.Info().Str("chatID", chatID).Msg("Starting fresh session")
		return newSession(chatID, step.NewMemory(), false)

	default:
		observability.RecordSessionRestore("degraded")
		logger.Warn().
			Err(err).
			Str("chatID", chatID).
			Msg("Snapshot unreadable, starting degraded session")
		return newSession(chatID, step.NewMemory(), true)
	}
}

// ensureCredentialLocked acquires the shared credential on first use
func (r *Registry) ensureCredentialLocked(ctx context.Context) error {
	if r.credFetched || r.credSource == nil {
		return nil
	}
	cred, err := r.credSource(ctx)
	if err != nil {
		return err
	}
	r.cred = cred
	r.credFetched = true
	r.logger.Info().Msg("Downstream credential acquired")
	return nil
}

// Credential returns the memoized shared credential, acquiring it if no
// session has been created yet.
func (r *Registry) Credential(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureCredentialLocked(ctx); err != nil {
		return "", err
	}
	return r.cred, nil
}

// Get returns an existing session without creating one
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[chatID]
	return sess, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// FlushIdle persists and drops sessions idle past the given timeout.
// Sessions whose snapshot cannot be written are kept.
func (r *Registry) FlushIdle(ctx context.Context, idleTimeout time.Duration) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "registry", "registry.flush_idle")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	flushed := 0
	var errs []error

	for chatID, sess := range r.sessions {
		if sess.LastActive().After(cutoff) {
			continue
		}
		if err := r.store.Save(ctx, chatID, sess.MemorySnapshot()); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush session %s: %w", chatID, err))
			continue
		}
		delete(r.sessions, chatID)
		flushed++
	}

	if flushed > 0 {
		observability.SetActiveSessions(len(r.sessions))
		r.logger.Info().Int("flushed", flushed).Msg("Idle sessions flushed")
	}

	return flushed, errors.Join(errs...)
}
