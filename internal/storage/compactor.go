package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/emerick42/kairoi/internal/metrics"
)

// compactionThreshold is the number of appended entries since the last
// compaction that triggers a new online compaction.
const compactionThreshold = 5000

const (
	logfileName       = "logfile"
	compressedName    = "logfile.compressed"
	toCompressName    = "logfile.to_compress"
	compressingName   = "logfile.compressing"
)

// Store is Kairoi's durable storage layer: an append-only WAL with
// online, crash-safe compaction. All of Store's exported methods are
// called only from the engine's single worker goroutine; the
// background compaction goroutine touches only its own disjoint
// filenames.
type Store struct {
	dir            string
	persist        bool
	fsyncOnPersist bool
	logger         *slog.Logger

	mu          sync.Mutex
	w           *wal
	appendCount int

	compacting bool
	result     chan error
}

// NewStore creates a Store rooted at dir. dir must already exist. If
// persist is false, Persist becomes a no-op: nothing is appended to the
// WAL and state lives in memory only for the lifetime of the process.
func NewStore(dir string, persist, fsyncOnPersist bool, logger *slog.Logger) *Store {
	return &Store{
		dir:            dir,
		persist:        persist,
		fsyncOnPersist: fsyncOnPersist,
		logger:         logger.With("component", "storage"),
		result:         make(chan error, 1),
	}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Initialize replays the on-disk log files in recovery order
// (compressed, to_compress, logfile), returning the full ordered list of
// records (last-writer-wins is left to the caller, which folds them into
// its Job/Rule maps). It opens "logfile" for subsequent appends and, if
// an interrupted compaction is detected (a stale logfile.to_compress),
// resumes it in the background.
func (s *Store) Initialize() ([]Record, error) {
	var all []Record
	for _, name := range []string{compressedName, toCompressName, logfileName} {
		records, err := readRecordsFromFile(s.path(name))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedLog, err)
		}
		all = append(all, records...)
	}

	w, err := openWal(s.path(logfileName), s.fsyncOnPersist)
	if err != nil {
		return nil, err
	}
	s.w = w

	if _, err := os.Stat(s.path(toCompressName)); err == nil {
		s.logger.Debug("resuming interrupted compaction")
		s.startCompaction()
	}

	return all, nil
}

// Persist appends record to the WAL, synchronously by default, and
// triggers compaction if the threshold has been reached. The caller
// must not observe the in-memory effect of record until Persist
// returns nil. If the store was built with persist=false, Persist is a
// no-op and always returns nil: state lives in memory only.
func (s *Store) Persist(record Record) error {
	if !s.persist {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pollCompactionLocked()

	if err := s.w.append(record); err != nil {
		return err
	}
	s.appendCount++

	if s.appendCount >= compactionThreshold && !s.compacting {
		s.rotateLocked()
	}

	return nil
}

// pollCompactionLocked checks whether the background compaction
// goroutine has finished since the last call, clearing the in-flight
// slot either way: the main worker polls the background task's status
// on each persist, and on completion or failure the slot is cleared.
func (s *Store) pollCompactionLocked() {
	if !s.compacting {
		return
	}
	select {
	case err := <-s.result:
		s.compacting = false
		if err != nil {
			s.logger.Warn("compaction failed, will retry on next qualifying persist", "error", err)
			metrics.CompactionsTotal.WithLabelValues("failure").Inc()
		} else {
			s.logger.Debug("compaction completed")
			metrics.CompactionsTotal.WithLabelValues("success").Inc()
		}
	default:
	}
}

// rotateLocked performs the synchronous hand-off: rename logfile to
// logfile.to_compress, reset the counter, and open a fresh logfile. If a
// previous logfile.to_compress is still on disk (its compaction failed),
// that compaction is resumed instead and logfile is left in place. The
// caller must hold s.mu.
func (s *Store) rotateLocked() {
	if _, err := os.Stat(s.path(toCompressName)); err == nil {
		s.startCompaction()
		return
	}
	if err := s.w.close(); err != nil {
		s.logger.Error("closing logfile before rotation", "error", err)
		return
	}
	if err := os.Rename(s.path(logfileName), s.path(toCompressName)); err != nil {
		s.logger.Error("rotating logfile", "error", err)
		// Re-open the same file so the engine can keep persisting.
		if w, reopenErr := openWal(s.path(logfileName), s.fsyncOnPersist); reopenErr == nil {
			s.w = w
		}
		return
	}

	w, err := openWal(s.path(logfileName), s.fsyncOnPersist)
	if err != nil {
		s.logger.Error("opening fresh logfile after rotation", "error", err)
		return
	}
	s.w = w
	s.appendCount = 0

	s.startCompaction()
}

// startCompaction launches the background compaction goroutine. Caller
// must hold s.mu (or call before any Persist is reachable, at boot).
func (s *Store) startCompaction() {
	s.compacting = true
	go func() {
		s.result <- s.compact()
	}()
}

// compact merges logfile.compressed (optional) and logfile.to_compress,
// keeping only the newest record per subject, and writes the union to
// logfile.compressing before the atomic-ish rename+unlink hand-off.
func (s *Store) compact() error {
	var merged []Record
	for _, name := range []string{compressedName, toCompressName} {
		records, err := readRecordsFromFile(s.path(name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		merged = append(merged, records...)
	}

	deduped := dedupeBySubject(merged)

	if err := writeRecordsToFile(s.path(compressingName), deduped); err != nil {
		return fmt.Errorf("writing %s: %w", compressingName, err)
	}

	if err := os.Rename(s.path(compressingName), s.path(compressedName)); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", compressingName, compressedName, err)
	}

	if err := os.Remove(s.path(toCompressName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", toCompressName, err)
	}

	return nil
}

// dedupeBySubject keeps only the last record seen for each subject,
// preserving the relative order of first appearance among survivors.
func dedupeBySubject(records []Record) []Record {
	latest := make(map[string]int, len(records))
	for i, r := range records {
		latest[r.Subject()] = i
	}

	order := make([]string, 0, len(latest))
	seen := make(map[string]bool, len(latest))
	for _, r := range records {
		s := r.Subject()
		if !seen[s] {
			seen[s] = true
			order = append(order, s)
		}
	}

	out := make([]Record, 0, len(order))
	for _, subject := range order {
		out = append(out, records[latest[subject]])
	}
	return out
}

// writeRecordsToFile writes a fresh file containing every record, framed,
// and syncs it before returning.
func writeRecordsToFile(path string, records []Record) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, r := range records {
		payload, err := EncodeRecord(r)
		if err != nil {
			return err
		}
		frame, err := encodeFrame(payload)
		if err != nil {
			return err
		}
		if _, err := file.Write(frame); err != nil {
			return err
		}
	}

	return file.Sync()
}

// Close releases the underlying logfile handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.close()
}
