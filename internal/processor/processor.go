// Package processor implements Kairoi's execution worker: it consumes
// exec_req, runs each request against the runner registry in its own
// goroutine, and reports results back on exec_resp.
package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/emerick42/kairoi/internal/dispatch"
	"github.com/emerick42/kairoi/internal/domain"
	"github.com/emerick42/kairoi/internal/metrics"
	"github.com/emerick42/kairoi/internal/runner"
)

// executionTimeout bounds one runner invocation so a wedged shell command
// or unreachable broker cannot hold an execution slot forever.
const executionTimeout = 30 * time.Second

// Processor dispatches due jobs to their paired runner backend.
type Processor struct {
	registry *runner.Registry
	execReq  <-chan dispatch.ExecRequest
	execResp chan<- dispatch.ExecResult
	logger   *slog.Logger
}

// New builds a Processor.
func New(registry *runner.Registry, execReq <-chan dispatch.ExecRequest, execResp chan<- dispatch.ExecResult, logger *slog.Logger) *Processor {
	return &Processor{
		registry: registry,
		execReq:  execReq,
		execResp: execResp,
		logger:   logger.With("component", "processor"),
	}
}

// Run consumes exec_req until ctx is cancelled or the channel closes. Each
// request runs in its own goroutine so a slow backend never blocks the
// next dispatch.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.execReq:
			if !ok {
				return
			}
			go p.execute(ctx, req)
		}
	}
}

func (p *Processor) execute(ctx context.Context, req dispatch.ExecRequest) {
	runCtx, cancel := context.WithTimeout(ctx, executionTimeout)
	defer cancel()

	start := time.Now()
	runnerLabel := runnerKindLabel(req.Runner.Kind)

	err := p.registry.Run(runCtx, req.JobIdentifier, req.Runner)
	metrics.ExecutionDuration.WithLabelValues(runnerLabel).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "failure"
		p.logger.Warn("execution failed", "job_identifier", req.JobIdentifier, "runner", runnerLabel, "error", err)
	}
	metrics.ExecutionsTotal.WithLabelValues(runnerLabel, outcome).Inc()

	result := dispatch.ExecResult{RequestID: req.RequestID, OK: err == nil}
	select {
	case p.execResp <- result:
	case <-ctx.Done():
	}
}

func runnerKindLabel(kind domain.RunnerKind) string {
	switch kind {
	case domain.RunnerShell:
		return "shell"
	case domain.RunnerAmqp:
		return "amqp"
	default:
		return "unknown"
	}
}
