package dispatch_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/emerick42/kairoi/internal/dispatch"
	"github.com/emerick42/kairoi/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestRegistryRoutesResponseToRegisteredClient(t *testing.T) {
	r := dispatch.NewClientRegistry(discardLogger())
	ch := r.Register(1)

	r.Send(dispatch.QueryResponse{ClientID: 1, RequestID: "r1", OK: true})

	select {
	case resp := <-ch:
		if resp.RequestID != "r1" || !resp.OK {
			t.Fatalf("unexpected response: %+v", resp)
		}
	default:
		t.Fatal("expected a buffered response")
	}
}

func TestRegistryDropsResponseForUnknownClient(t *testing.T) {
	r := dispatch.NewClientRegistry(discardLogger())
	// No panic, no block: this just logs and returns.
	r.Send(dispatch.QueryResponse{ClientID: 99, RequestID: "r1", OK: false})
}

func TestRegistryDropsResponseAfterUnregister(t *testing.T) {
	r := dispatch.NewClientRegistry(discardLogger())
	ch := r.Register(1)
	r.Unregister(1)

	r.Send(dispatch.QueryResponse{ClientID: 1, RequestID: "r1", OK: true})

	select {
	case resp := <-ch:
		t.Fatalf("expected no response after unregister, got %+v", resp)
	default:
	}
}

func TestRegistryDropsWhenClientBufferFull(t *testing.T) {
	r := dispatch.NewClientRegistry(discardLogger())
	r.Register(1)

	// Exceed the buffer without reading; none of these sends should block.
	for i := 0; i < 128; i++ {
		r.Send(dispatch.QueryResponse{ClientID: 1, RequestID: "flood", OK: true})
	}
}

func TestJobSetAndRuleSetBuildExpectedInstructions(t *testing.T) {
	js := dispatch.JobSet("app.1", 1000)
	if js.Kind != dispatch.InstructionJobSet || js.JobIdentifier != "app.1" || js.ExecutionInstant != 1000 {
		t.Fatalf("unexpected job set instruction: %+v", js)
	}

	rs := dispatch.RuleSet("r1", "app.", domain.Runner{})
	if rs.Kind != dispatch.InstructionRuleSet || rs.RuleIdentifier != "r1" || rs.Pattern != "app." {
		t.Fatalf("unexpected rule set instruction: %+v", rs)
	}
}

func TestNewExecRequestIDIsUnique(t *testing.T) {
	a := dispatch.NewExecRequestID()
	b := dispatch.NewExecRequestID()
	if a == b {
		t.Fatal("expected distinct execution request ids")
	}
}
