package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emerick42/kairoi/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func foldRecords(records []Record) (map[string]domain.Job, map[string]domain.Rule) {
	jobs := make(map[string]domain.Job)
	rules := make(map[string]domain.Rule)
	for _, r := range records {
		if r.IsJob() {
			jobs[r.Job.Identifier] = r.Job
		} else {
			rules[r.Rule.Identifier] = r.Rule
		}
	}
	return jobs, rules
}

func TestStorePersistThenRecover(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, true, true, discardLogger())

	if _, err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	job := domain.Job{Identifier: "app.1", ExecutionInstant: 42, Status: domain.JobPlanned}
	if err := store.Persist(JobRecord(job)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	rule := domain.Rule{Identifier: "r1", Pattern: "app.", Runner: domain.Runner{Kind: domain.RunnerShell, Command: "/bin/true"}}
	if err := store.Persist(RuleRecord(rule)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewStore(dir, true, true, discardLogger())
	records, err := reopened.Initialize()
	if err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	jobs, rules := foldRecords(records)
	if jobs["app.1"] != job {
		t.Fatalf("recovered job mismatch: %+v", jobs["app.1"])
	}
	if rules["r1"] != rule {
		t.Fatalf("recovered rule mismatch: %+v", rules["r1"])
	}
}

// TestStoreCompactionPreservesLastWriterWins exercises scenario S6: 10 000
// persisted mutations across 10 distinct job identifiers, each updated
// repeatedly, triggering at least one online compaction. The post-recovery
// state must contain exactly the last-persisted value per identifier.
func TestStoreCompactionPreservesLastWriterWins(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, true, false, discardLogger())
	if _, err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	const identifiers = 10
	const mutations = 10000
	want := make(map[string]domain.Job, identifiers)

	for i := 0; i < mutations; i++ {
		id := fmt.Sprintf("job.%d", i%identifiers)
		job := domain.Job{Identifier: id, ExecutionInstant: int64(i), Status: domain.JobPlanned}
		if err := store.Persist(JobRecord(job)); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
		want[id] = job
	}

	// Give the background compactor a chance to finish before we close.
	waitForCompactionIdle(t, store)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewStore(dir, true, false, discardLogger())
	records, err := reopened.Initialize()
	if err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	jobs, _ := foldRecords(records)

	if len(jobs) != identifiers {
		t.Fatalf("got %d distinct jobs, want %d", len(jobs), identifiers)
	}
	for id, job := range want {
		if jobs[id] != job {
			t.Fatalf("job %s: got %+v, want %+v", id, jobs[id], job)
		}
	}
}

func waitForCompactionIdle(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		s.pollCompactionLocked()
		compacting := s.compacting
		s.mu.Unlock()
		if !compacting {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("compaction did not finish in time")
}

// TestStoreResumesInterruptedCompaction simulates a crash during a
// compaction, before logfile.compressing was renamed over
// logfile.compressed: a stale logfile.to_compress and a prior, older
// logfile.compressed are left on disk. Recovery must still reconstruct
// the last-persisted state.
func TestStoreResumesInterruptedCompaction(t *testing.T) {
	dir := t.TempDir()

	older := JobRecord(domain.Job{Identifier: "app.1", ExecutionInstant: 1, Status: domain.JobPlanned})
	newer := JobRecord(domain.Job{Identifier: "app.1", ExecutionInstant: 2, Status: domain.JobPlanned})
	other := JobRecord(domain.Job{Identifier: "app.2", ExecutionInstant: 3, Status: domain.JobPlanned})

	if err := writeRecordsToFile(filepath.Join(dir, compressedName), []Record{older}); err != nil {
		t.Fatalf("seed compressed: %v", err)
	}
	if err := writeRecordsToFile(filepath.Join(dir, toCompressName), []Record{newer}); err != nil {
		t.Fatalf("seed to_compress: %v", err)
	}
	if err := writeRecordsToFile(filepath.Join(dir, logfileName), []Record{other}); err != nil {
		t.Fatalf("seed logfile: %v", err)
	}

	store := NewStore(dir, true, false, discardLogger())
	records, err := store.Initialize()
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	jobs, _ := foldRecords(records)
	if jobs["app.1"].ExecutionInstant != 2 {
		t.Fatalf("expected resumed compaction to keep the newer record, got %+v", jobs["app.1"])
	}
	if jobs["app.2"].ExecutionInstant != 3 {
		t.Fatalf("expected the untouched logfile record to survive, got %+v", jobs["app.2"])
	}

	waitForCompactionIdle(t, store)
	store.Close()
}

// TestStorePersistFalseWritesNothing verifies database.persistence=false
// keeps Persist a pure in-memory no-op: no bytes ever reach the logfile.
func TestStorePersistFalseWritesNothing(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, false, true, discardLogger())
	if _, err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	job := domain.Job{Identifier: "app.1", ExecutionInstant: 42, Status: domain.JobPlanned}
	if err := store.Persist(JobRecord(job)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, logfileName))
	if err != nil {
		t.Fatalf("stat logfile: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected an empty logfile with persistence disabled, got %d bytes", info.Size())
	}

	reopened := NewStore(dir, false, true, discardLogger())
	records, err := reopened.Initialize()
	if err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no recovered records, got %d", len(records))
	}
}
