// Package engine implements Kairoi's scheduling engine: the single
// worker that owns the Job map, the Rule map, the Planned-ordered
// index and the WAL, and drives the job state machine across client
// instructions and processor results on a fixed tick.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/emerick42/kairoi/internal/dispatch"
	"github.com/emerick42/kairoi/internal/domain"
	"github.com/emerick42/kairoi/internal/metrics"
	"github.com/emerick42/kairoi/internal/storage"
)

// Clock returns the current instant as UTC nanoseconds since epoch. Tests
// substitute a deterministic clock; production uses systemClock.
type Clock func() int64

func systemClock() int64 {
	return time.Now().UTC().UnixNano()
}

// Engine is the single-threaded scheduling worker. Production code calls
// Boot once, then Run.
type Engine struct {
	store  *storage.Store
	logger *slog.Logger
	clock  Clock

	tickInterval time.Duration

	queryReq  <-chan dispatch.QueryRequest
	queryResp chan<- dispatch.QueryResponse
	execReq   chan<- dispatch.ExecRequest
	execResp  <-chan dispatch.ExecResult

	jobs    map[string]domain.Job
	rules   map[string]domain.Rule
	planned plannedIndex

	inFlight  map[uuid.UUID]string
	unhandled []dispatch.ExecResult
}

// Channels groups the dispatch-fabric endpoints the engine consumes and
// produces.
type Channels struct {
	QueryReq  <-chan dispatch.QueryRequest
	QueryResp chan<- dispatch.QueryResponse
	ExecReq   chan<- dispatch.ExecRequest
	ExecResp  <-chan dispatch.ExecResult
}

// New builds an Engine. framerateHz must be in [1, 65535]; the caller
// is expected to have validated configuration already.
func New(store *storage.Store, framerateHz int, ch Channels, logger *slog.Logger) *Engine {
	return &Engine{
		store:        store,
		logger:       logger.With("component", "engine"),
		clock:        systemClock,
		tickInterval: time.Second / time.Duration(framerateHz),
		queryReq:     ch.QueryReq,
		queryResp:    ch.QueryResp,
		execReq:      ch.ExecReq,
		execResp:     ch.ExecResp,
		jobs:         make(map[string]domain.Job),
		rules:        make(map[string]domain.Rule),
		inFlight:     make(map[uuid.UUID]string),
	}
}

// Boot replays the WAL and re-dispatches any job left Triggered by a
// prior crash.
func (e *Engine) Boot() error {
	records, err := e.store.Initialize()
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.IsJob() {
			e.setJob(record.Job)
		} else {
			e.setRule(record.Rule)
		}
	}

	var resume []domain.Job
	for _, job := range e.jobs {
		if job.Status == domain.JobTriggered {
			resume = append(resume, job)
		}
	}
	sort.Slice(resume, func(i, j int) bool { return resume[i].Identifier < resume[j].Identifier })

	for _, job := range resume {
		e.logger.Debug("resuming triggered job across restart", "job_identifier", job.Identifier)
		e.resumeTriggered(job)
	}

	metrics.PlannedJobs.Set(float64(e.planned.len()))
	metrics.JobsInFlight.Set(float64(len(e.inFlight)))

	return nil
}

// Run drives the tick loop until ctx is cancelled. It blocks at the
// persist sync call (inside Store.Persist) and the end-of-tick sleep;
// the channel drains below are non-blocking. Sends on query_resp and
// exec_req block while those buffered channels are full.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		now := e.clock()

		if err := e.drainQueries(); err != nil {
			return err
		}
		e.triggerDue(now)
		if err := e.drainResults(); err != nil {
			return err
		}

		metrics.EngineTickDuration.Observe(time.Since(start).Seconds())
		metrics.PlannedJobs.Set(float64(e.planned.len()))
		metrics.JobsInFlight.Set(float64(len(e.inFlight)))
		metrics.UnhandledResultsBuffered.Set(float64(len(e.unhandled)))

		elapsed := time.Since(start)
		remaining := e.tickInterval - elapsed
		if remaining <= 0 {
			metrics.EngineTickOverrunsTotal.Inc()
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(remaining):
		}
	}
}

// drainQueries applies every instruction currently queued on query_req,
// in arrival order, persisting-then-applying each before responding.
func (e *Engine) drainQueries() error {
	for {
		select {
		case req, ok := <-e.queryReq:
			if !ok {
				return ErrChannelClosed
			}
			ok2 := e.apply(req.Instruction)
			e.queryResp <- dispatch.QueryResponse{ClientID: req.ClientID, RequestID: req.RequestID, OK: ok2}
		default:
			return nil
		}
	}
}

// apply dispatches one client instruction to its handler.
func (e *Engine) apply(instr dispatch.Instruction) bool {
	switch instr.Kind {
	case dispatch.InstructionJobSet:
		return e.handleJobSet(instr.JobIdentifier, instr.ExecutionInstant)
	case dispatch.InstructionRuleSet:
		return e.handleRuleSet(instr.RuleIdentifier, instr.Pattern, instr.Runner)
	default:
		e.logger.Error("unknown instruction kind", "kind", instr.Kind)
		return false
	}
}

// handleJobSet plans a job at executionInstant, rejecting the request
// if the identifier is invalid or the job is currently Triggered and
// thus immune to replanning.
func (e *Engine) handleJobSet(identifier string, executionInstant int64) bool {
	if err := domain.CheckIdentifier(identifier); err != nil {
		e.logger.Debug("rejecting job set", "job_identifier", identifier, "error", err)
		return false
	}
	if prev, exists := e.jobs[identifier]; exists && prev.Status == domain.JobTriggered {
		e.logger.Debug(domain.ErrJobInFlight.Error(), "job_identifier", identifier)
		return false
	}

	job := domain.Job{Identifier: identifier, ExecutionInstant: executionInstant, Status: domain.JobPlanned}
	if err := e.persistJob(job); err != nil {
		e.logger.Error("persist job set failed", "job_identifier", identifier, "error", err)
		return false
	}
	e.setJob(job)
	metrics.JobTransitionsTotal.WithLabelValues(job.Status.String()).Inc()
	return true
}

// handleRuleSet persists and registers a rule, overwriting any prior
// rule sharing the same identifier.
func (e *Engine) handleRuleSet(identifier, pattern string, runner domain.Runner) bool {
	if err := domain.CheckIdentifier(identifier); err != nil {
		e.logger.Debug("rejecting rule set", "rule_identifier", identifier, "error", err)
		return false
	}
	rule := domain.Rule{Identifier: identifier, Pattern: pattern, Runner: runner}
	if err := e.persistRule(rule); err != nil {
		e.logger.Error("persist rule set failed", "rule_identifier", identifier, "error", err)
		return false
	}
	e.setRule(rule)
	return true
}

// triggerDue pops every Planned job due at now and transitions it.
func (e *Engine) triggerDue(now int64) {
	for _, job := range e.planned.popDue(now) {
		e.triggerJob(job)
	}
}

func (e *Engine) triggerJob(job domain.Job) {
	rule, found := pair(e.rules, job.Identifier)
	if !found {
		failed := job
		failed.Status = domain.JobFailed
		if err := e.persistJob(failed); err != nil {
			e.logger.Error("persist no-rule failure failed, retrying next tick", "job_identifier", job.Identifier, "error", err)
			e.planned.insert(job)
			return
		}
		e.logger.Debug("no rule", "job_identifier", job.Identifier)
		e.setJob(failed)
		metrics.PairingMissesTotal.Inc()
		metrics.JobTransitionsTotal.WithLabelValues(failed.Status.String()).Inc()
		return
	}

	triggered := job
	triggered.Status = domain.JobTriggered
	if err := e.persistJob(triggered); err != nil {
		e.logger.Error("persist trigger failed, retrying next tick", "job_identifier", job.Identifier, "error", err)
		e.planned.insert(job)
		return
	}
	e.setJob(triggered)
	metrics.JobTransitionsTotal.WithLabelValues(triggered.Status.String()).Inc()
	e.dispatchTriggered(triggered, rule)
}

// resumeTriggered re-dispatches a job left Triggered by a prior crash.
// Unlike triggerJob, the job is already persisted as Triggered; only
// pairing and dispatch (or a fail transition on a pairing miss) remain.
func (e *Engine) resumeTriggered(job domain.Job) {
	rule, found := pair(e.rules, job.Identifier)
	if !found {
		failed := job
		failed.Status = domain.JobFailed
		if err := e.persistJob(failed); err != nil {
			e.logger.Error("persist resumed no-rule failure failed", "job_identifier", job.Identifier, "error", err)
			return
		}
		e.setJob(failed)
		metrics.PairingMissesTotal.Inc()
		return
	}
	e.dispatchTriggered(job, rule)
}

// dispatchTriggered mints a fresh execution request id, records it in the
// in-flight table and enqueues the request for the processor.
func (e *Engine) dispatchTriggered(job domain.Job, rule domain.Rule) {
	reqID := dispatch.NewExecRequestID()
	e.inFlight[reqID] = job.Identifier
	e.execReq <- dispatch.ExecRequest{RequestID: reqID, JobIdentifier: job.Identifier, Runner: rule.Runner}
}

// drainResults retries the unhandled buffer first, then applies every
// newly arrived result.
func (e *Engine) drainResults() error {
	if len(e.unhandled) > 0 {
		pending := e.unhandled
		e.unhandled = nil
		for _, res := range pending {
			if !e.applyResult(res) {
				e.unhandled = append(e.unhandled, res)
			}
		}
	}

	for {
		select {
		case res, ok := <-e.execResp:
			if !ok {
				return ErrChannelClosed
			}
			if !e.applyResult(res) {
				e.unhandled = append(e.unhandled, res)
			}
		default:
			return nil
		}
	}
}

// applyResult applies one execution result to its job, if still relevant.
// It returns false when persistence failed and the result must be
// buffered for a retry on the next tick.
func (e *Engine) applyResult(res dispatch.ExecResult) bool {
	jobIdentifier, known := e.inFlight[res.RequestID]
	if !known {
		return true // stale or duplicate result; drop silently
	}

	job, exists := e.jobs[jobIdentifier]
	if !exists || job.Status != domain.JobTriggered {
		delete(e.inFlight, res.RequestID)
		return true
	}

	updated := job
	if res.OK {
		updated.Status = domain.JobExecuted
	} else {
		updated.Status = domain.JobFailed
	}

	if err := e.persistJob(updated); err != nil {
		e.logger.Warn("buffering unhandled result, persist failed", "job_identifier", jobIdentifier, "error", err)
		return false
	}

	e.setJob(updated)
	delete(e.inFlight, res.RequestID)
	metrics.JobTransitionsTotal.WithLabelValues(updated.Status.String()).Inc()
	return true
}

// setJob applies the in-memory half of persist-then-apply for a job
// mutation: remove the prior Planned entry if any, replace the map
// entry, and re-insert into the planned index if the new status is
// Planned.
func (e *Engine) setJob(job domain.Job) {
	if prev, existed := e.jobs[job.Identifier]; existed && prev.Status == domain.JobPlanned {
		e.planned.remove(prev.Identifier, prev.ExecutionInstant)
	}
	e.jobs[job.Identifier] = job
	if job.Status == domain.JobPlanned {
		e.planned.insert(job)
	}
}

func (e *Engine) setRule(rule domain.Rule) {
	e.rules[rule.Identifier] = rule
}

func (e *Engine) persistJob(job domain.Job) error {
	start := time.Now()
	err := e.store.Persist(storage.JobRecord(job))
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailuresTotal.Inc()
	}
	return err
}

func (e *Engine) persistRule(rule domain.Rule) error {
	start := time.Now()
	err := e.store.Persist(storage.RuleRecord(rule))
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailuresTotal.Inc()
	}
	return err
}
