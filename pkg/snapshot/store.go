// Package snapshot persists one durable memory snapshot per chat identifier.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stepwire/stepwire/internal/observability"
	"github.com/stepwire/stepwire/internal/tracing"
	"github.com/stepwire/stepwire/pkg/step"
)

// ErrNotFound is returned by Load when no snapshot exists for a chat.
// A missing snapshot is a fresh session, not a failure.
var ErrNotFound = errors.New("snapshot not found")

// Store persists memory snapshots as one JSON file per chat identifier
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a snapshot store rooted at dir
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Snapshot store initialized")

	return s, nil
}

// validateChatID validates the chat identifier for security
func (s *Store) validateChatID(chatID string) error {
	if chatID == "" {
		return fmt.Errorf("chat id cannot be empty")
	}
	if strings.Contains(chatID, "..") {
		return fmt.Errorf("chat id cannot contain '..'")
	}
	if strings.ContainsAny(chatID, "/\\") {
		return fmt.Errorf("chat id cannot contain path separators")
	}
	if strings.Contains(chatID, "\x00") {
		return fmt.Errorf("chat id cannot contain null bytes")
	}
	return nil
}

// snapshotPath returns the file path for a chat's snapshot
func (s *Store) snapshotPath(chatID string) string {
	return filepath.Join(s.dir, chatID+".json")
}

// getWriteLock gets or creates a write lock for a chat
func (s *Store) getWriteLock(chatID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[chatID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[chatID] = lock
	return lock
}

// Save overwrites the chat's snapshot wholesale. The write is atomic with
// respect to partial writes: a crash mid-write leaves the previous snapshot
// intact (write-to-temp-then-rename).
func (s *Store) Save(ctx context.Context, chatID string, mem *step.Memory) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithChatID(ctx, chatID)
	ctx, span := tracing.StartSpan(
		ctx,
		"stepwire.snapshot",
		"snapshot.save",
		attribute.String("chat_id", chatID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordSnapshotSave(time.Since(start))
	}()

	if err := s.validateChatID(chatID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if mem == nil {
		return fmt.Errorf("memory cannot be nil")
	}

	data, err := json.Marshal(mem)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal memory: %w", err)
	}

	lock := s.getWriteLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	snapshotPath := s.snapshotPath(chatID)
	tempPath := snapshotPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}

	file.Close()

	// Atomic replace
	if err := os.Rename(tempPath, snapshotPath); err != nil {
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	logger.Debug().Int("steps", mem.Len()).Msg("Snapshot saved")

	return nil
}

// Load reads the chat's snapshot. Missing snapshots return ErrNotFound.
func (s *Store) Load(ctx context.Context, chatID string) (*step.Memory, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithChatID(ctx, chatID)
	ctx, span := tracing.StartSpan(
		ctx,
		"stepwire.snapshot",
		"snapshot.load",
		attribute.String("chat_id", chatID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordSnapshotLoad(time.Since(start))
	}()

	if err := s.validateChatID(chatID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := os.ReadFile(s.snapshotPath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var mem step.Memory
	if err := json.Unmarshal(data, &mem); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	logger.Debug().Int("steps", mem.Len()).Msg("Snapshot loaded")

	return &mem, nil
}

// Delete removes a chat's snapshot. Deleting a missing snapshot is not an error.
func (s *Store) Delete(ctx context.Context, chatID string) error {
	if err := s.validateChatID(chatID); err != nil {
		return err
	}

	lock := s.getWriteLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.snapshotPath(chatID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, chatID)
	s.locksMu.Unlock()

	return nil
}

// List returns the chat identifiers with a persisted snapshot
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var chats []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		chats = append(chats, strings.TrimSuffix(name, ".json"))
	}

	return chats, nil
}
