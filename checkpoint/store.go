package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by checkpoint operations.
var (
	// ErrNotFound is returned when a requested checkpoint does not exist.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrInvalidCheckpoint is returned when a checkpoint fails integrity
	// validation and must not be used for recovery.
	ErrInvalidCheckpoint = errors.New("checkpoint: invalid checkpoint")
)

// Default retention policy.
const (
	DefaultMaxPerBatch = 10
	DefaultMaxAge      = 7 * 24 * time.Hour
)

// checkpointExt is the on-disk file extension.
const checkpointExt = ".json"

// StoreOptions configures a Store.
type StoreOptions struct {
	// MaxPerBatch is how many checkpoints are kept per batch, newest
	// first. Defaults to DefaultMaxPerBatch.
	MaxPerBatch int

	// Logger is the structured logger for store operations.
	// When nil, a discard logger is used.
	Logger *slog.Logger
}

// Store persists checkpoints as JSON files in a directory.
// Safe for concurrent use by a single process.
type Store struct {
	dir         string
	maxPerBatch int
	logger      *slog.Logger
}

// NewStore creates the checkpoint directory if needed and returns a Store.
func NewStore(dir string, opts StoreOptions) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	if opts.MaxPerBatch <= 0 {
		opts.MaxPerBatch = DefaultMaxPerBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Store{dir: dir, maxPerBatch: opts.MaxPerBatch, logger: logger}, nil
}

// Create persists a checkpoint atomically and rotates older checkpoints for
// the batch beyond the retention count. Returns the assigned checkpoint ID.
func (s *Store) Create(cp Checkpoint) (string, error) {
	if cp.BatchID == "" {
		return "", fmt.Errorf("batch_id is required")
	}

	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	if cp.CheckpointID == "" {
		cp.CheckpointID = fmt.Sprintf("%s-%d-%s", cp.BatchID, cp.Timestamp.UnixMilli(), uuid.New().String()[:8])
	}
	if cp.Status == "" {
		cp.Status = StatusCreated
	}

	if err := s.write(cp); err != nil {
		return "", err
	}

	s.logger.Debug("checkpoint created",
		"batch_id", cp.BatchID,
		"checkpoint_id", cp.CheckpointID,
		"status", cp.Status,
	)

	if err := s.rotate(cp.BatchID); err != nil {
		// Rotation failure leaves extra files behind but the new
		// checkpoint is durable; log and carry on.
		s.logger.Warn("checkpoint rotation failed", "batch_id", cp.BatchID, "error", err)
	}

	return cp.CheckpointID, nil
}

// write serializes the checkpoint to a temp file and renames it into place.
func (s *Store) write(cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, cp.CheckpointID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	finalPath := filepath.Join(s.dir, cp.CheckpointID+checkpointExt)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint into place: %w", err)
	}

	return nil
}

// Load reads and parses one checkpoint by ID.
func (s *Store) Load(checkpointID string) (*Checkpoint, error) {
	path := filepath.Join(s.dir, checkpointID+checkpointExt)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", checkpointID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCheckpoint, checkpointID, err)
	}

	return &cp, nil
}

// Recover validates the checkpoint and reconstructs a resumable state.
// Invalid checkpoints are rejected with ErrInvalidCheckpoint; the caller
// must treat that as "no usable prior state", never as partial data.
// On success the checkpoint is re-persisted with status RECOVERED.
func (s *Store) Recover(checkpointID string) (*RecoveryState, error) {
	cp, err := s.Load(checkpointID)
	if err != nil {
		return nil, err
	}

	if err := cp.Validate(); err != nil {
		s.logger.Error("checkpoint failed validation",
			"checkpoint_id", checkpointID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCheckpoint, checkpointID, err)
	}

	cp.Status = StatusRecovered
	if err := s.write(*cp); err != nil {
		// The recovery state itself is sound; failing to record the
		// status transition is not fatal.
		s.logger.Warn("failed to mark checkpoint recovered", "checkpoint_id", checkpointID, "error", err)
	}

	state := &RecoveryState{
		BatchID:      cp.BatchID,
		CheckpointID: cp.CheckpointID,
		Completed:    make(map[string]struct{}, len(cp.CompletedDocuments)),
		Failed:       make(map[string]struct{}, len(cp.FailedDocuments)),
		Pending:      append([]string(nil), cp.PendingDocuments...),
		Results:      cp.ProcessingState.Results,
	}
	for _, id := range cp.CompletedDocuments {
		state.Completed[id] = struct{}{}
	}
	for _, id := range cp.FailedDocuments {
		state.Failed[id] = struct{}{}
	}

	s.logger.Info("recovered from checkpoint",
		"batch_id", cp.BatchID,
		"checkpoint_id", cp.CheckpointID,
		"completed", len(state.Completed),
		"failed", len(state.Failed),
		"pending", len(state.Pending),
	)

	return state, nil
}

// Latest returns the most recent checkpoint for a batch, or ErrNotFound if
// the batch has none.
func (s *Store) Latest(batchID string) (*Checkpoint, error) {
	infos, err := s.List(batchID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for batch %s", ErrNotFound, batchID)
	}
	return s.Load(infos[0].CheckpointID)
}

// List returns checkpoint summaries newest first. An empty batchID lists
// checkpoints for all batches.
func (s *Store) List(batchID string) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), checkpointExt) {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), checkpointExt)
		cp, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint file", "file", entry.Name(), "error", err)
			continue
		}
		if batchID != "" && cp.BatchID != batchID {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}

		infos = append(infos, Info{
			CheckpointID: cp.CheckpointID,
			BatchID:      cp.BatchID,
			Timestamp:    cp.Timestamp,
			Status:       cp.Status,
			Completed:    len(cp.CompletedDocuments),
			Failed:       len(cp.FailedDocuments),
			Pending:      len(cp.PendingDocuments),
			FileSizeMB:   float64(fi.Size()) / (1024 * 1024),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})

	return infos, nil
}

// rotate deletes a batch's checkpoints beyond the retention count,
// keeping the newest.
func (s *Store) rotate(batchID string) error {
	infos, err := s.List(batchID)
	if err != nil {
		return err
	}

	for _, info := range infos[min(len(infos), s.maxPerBatch):] {
		path := filepath.Join(s.dir, info.CheckpointID+checkpointExt)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove rotated checkpoint %s: %w", info.CheckpointID, err)
		}
	}

	return nil
}

// CleanupOlderThan purges checkpoints older than maxAge across all batches
// and returns how many were removed.
func (s *Store) CleanupOlderThan(maxAge time.Duration) (int, error) {
	infos, err := s.List("")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if info.Timestamp.After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, info.CheckpointID+checkpointExt)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove expired checkpoint %s: %w", info.CheckpointID, err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("purged expired checkpoints", "count", removed, "max_age", maxAge)
	}

	return removed, nil
}
