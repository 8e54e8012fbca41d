package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/emerick42/kairoi/internal/dispatch"
	"github.com/emerick42/kairoi/internal/domain"
	"github.com/emerick42/kairoi/internal/runner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type fakeBackend struct {
	err error
}

func (f *fakeBackend) Run(ctx context.Context, jobIdentifier string, r domain.Runner) error {
	return f.err
}

func TestProcessorReportsSuccess(t *testing.T) {
	registry := runner.NewRegistry()
	registry.Register(domain.RunnerShell, &fakeBackend{})

	execReq := make(chan dispatch.ExecRequest, 1)
	execResp := make(chan dispatch.ExecResult, 1)
	p := New(registry, execReq, execResp, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	reqID := uuid.New()
	execReq <- dispatch.ExecRequest{RequestID: reqID, JobIdentifier: "job.1", Runner: domain.Runner{Kind: domain.RunnerShell}}

	select {
	case res := <-execResp:
		if res.RequestID != reqID || !res.OK {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for execution result")
	}
}

func TestProcessorReportsFailure(t *testing.T) {
	registry := runner.NewRegistry()
	registry.Register(domain.RunnerShell, &fakeBackend{err: errors.New("boom")})

	execReq := make(chan dispatch.ExecRequest, 1)
	execResp := make(chan dispatch.ExecResult, 1)
	p := New(registry, execReq, execResp, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	reqID := uuid.New()
	execReq <- dispatch.ExecRequest{RequestID: reqID, JobIdentifier: "job.bad", Runner: domain.Runner{Kind: domain.RunnerShell}}

	select {
	case res := <-execResp:
		if res.RequestID != reqID || res.OK {
			t.Fatalf("expected a failed result, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for execution result")
	}
}

func TestRegistryErrorsOnUnknownKind(t *testing.T) {
	registry := runner.NewRegistry()
	err := registry.Run(context.Background(), "job.1", domain.Runner{Kind: domain.RunnerAmqp})
	if err == nil {
		t.Fatalf("expected an error for an unregistered runner kind")
	}
}
