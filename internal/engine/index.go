package engine

import (
	"sort"

	"github.com/emerick42/kairoi/internal/domain"
)

// plannedIndex is the in-memory time-ordered index of Planned jobs: a
// slice kept sorted by (ExecutionInstant, Identifier) ascending.
// Binary-search insertion/removal keeps it consistent without a full
// re-scan.
type plannedIndex struct {
	jobs []domain.Job
}

// less reports whether a sorts strictly before b.
func less(a, b domain.Job) bool {
	if a.ExecutionInstant != b.ExecutionInstant {
		return a.ExecutionInstant < b.ExecutionInstant
	}
	return a.Identifier < b.Identifier
}

// insert places job at its sorted position.
func (p *plannedIndex) insert(job domain.Job) {
	i := sort.Search(len(p.jobs), func(i int) bool { return less(job, p.jobs[i]) })
	p.jobs = append(p.jobs, domain.Job{})
	copy(p.jobs[i+1:], p.jobs[i:])
	p.jobs[i] = job
}

// remove deletes the Planned entry for identifier, previously inserted at
// executionInstant. Returns false if no such entry was found.
func (p *plannedIndex) remove(identifier string, executionInstant int64) bool {
	lo := sort.Search(len(p.jobs), func(i int) bool { return p.jobs[i].ExecutionInstant >= executionInstant })
	for i := lo; i < len(p.jobs) && p.jobs[i].ExecutionInstant == executionInstant; i++ {
		if p.jobs[i].Identifier == identifier {
			p.jobs = append(p.jobs[:i], p.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// popDue removes and returns every Planned job whose ExecutionInstant is
// less than or equal to now, in trigger order. Ties at the same instant
// break by identifier ascending, so the order here is deterministic
// across runs.
func (p *plannedIndex) popDue(now int64) []domain.Job {
	i := sort.Search(len(p.jobs), func(i int) bool { return p.jobs[i].ExecutionInstant > now })
	if i == 0 {
		return nil
	}
	due := make([]domain.Job, i)
	copy(due, p.jobs[:i])
	p.jobs = p.jobs[i:]
	return due
}

func (p *plannedIndex) len() int {
	return len(p.jobs)
}
