// Package dispatch defines the typed message contracts that connect the
// controller, the engine and the processor. Every cross-component
// mutation happens over these channels; no worker reaches into
// another's memory.
package dispatch

import (
	"github.com/google/uuid"

	"github.com/emerick42/kairoi/internal/domain"
)

// InstructionKind tags the two client instruction shapes accepted by
// the engine.
type InstructionKind byte

const (
	InstructionJobSet InstructionKind = iota
	InstructionRuleSet
)

// Instruction is the tagged union of instructions the controller
// forwards to the engine: a flat, closed set of shapes.
type Instruction struct {
	Kind InstructionKind

	JobIdentifier    string
	ExecutionInstant int64

	RuleIdentifier string
	Pattern        string
	Runner         domain.Runner
}

// JobSet builds a Job Set instruction.
func JobSet(identifier string, executionInstant int64) Instruction {
	return Instruction{Kind: InstructionJobSet, JobIdentifier: identifier, ExecutionInstant: executionInstant}
}

// RuleSet builds a Rule Set instruction.
func RuleSet(identifier, pattern string, runner domain.Runner) Instruction {
	return Instruction{Kind: InstructionRuleSet, RuleIdentifier: identifier, Pattern: pattern, Runner: runner}
}

// QueryRequest is one client instruction in flight from the controller
// to the engine. RequestID is the client-supplied opaque echo-back
// token, not an internally generated id.
type QueryRequest struct {
	ClientID    uint64
	RequestID   string
	Instruction Instruction
}

// QueryResponse answers a QueryRequest; the controller's dispatcher routes
// it back to the originating client by ClientID.
type QueryResponse struct {
	ClientID  uint64
	RequestID string
	OK        bool
}

// ExecRequest asks the processor to dispatch a due job to the runner
// declared by its paired rule. RequestID is a fresh UUID v4 minted by
// the engine per trigger, distinct from any client request id.
type ExecRequest struct {
	RequestID     uuid.UUID
	JobIdentifier string
	Runner        domain.Runner
}

// ExecResult reports the outcome of one ExecRequest, exactly once per
// RequestID.
type ExecResult struct {
	RequestID uuid.UUID
	OK        bool
}

// NewExecRequestID mints a fresh execution-request correlation id.
func NewExecRequestID() uuid.UUID {
	return uuid.New()
}
