// Package storage implements Kairoi's durable write-ahead log: the record
// encoding (this file), the append-only logfile (wal.go) and the online
// compactor (compactor.go).
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/emerick42/kairoi/internal/domain"
)

// recordKind tags the first byte of an encoded payload.
type recordKind byte

const (
	kindJob  recordKind = 0x00
	kindRule recordKind = 0x01
)

type runnerKind byte

const (
	runnerKindShell runnerKind = 0x00
	runnerKindAmqp  runnerKind = 0x01
)

var jobStatusByte = map[domain.JobStatus]byte{
	domain.JobPlanned:   0,
	domain.JobTriggered: 1,
	domain.JobExecuted:  2,
	domain.JobFailed:    3,
}

var byteJobStatus = map[byte]domain.JobStatus{
	0: domain.JobPlanned,
	1: domain.JobTriggered,
	2: domain.JobExecuted,
	3: domain.JobFailed,
}

// ErrInvalidPayload is returned when a decoded record is structurally
// corrupt (truncated length prefixes, unknown tag bytes, trailing bytes).
var ErrInvalidPayload = errors.New("invalid record payload")

// Record is a decoded log entry: exactly one of Job or Rule is populated,
// selected by Kind.
type Record struct {
	Kind recordKind
	Job  domain.Job
	Rule domain.Rule
}

// IsJob reports whether this record carries a Job.
func (r Record) IsJob() bool { return r.Kind == kindJob }

// IsRule reports whether this record carries a Rule.
func (r Record) IsRule() bool { return r.Kind == kindRule }

// Subject returns the last-writer-wins subject key of the carried entry.
func (r Record) Subject() string {
	if r.IsJob() {
		return r.Job.Subject()
	}
	return r.Rule.Subject()
}

// JobRecord builds a Record wrapping a Job.
func JobRecord(job domain.Job) Record {
	return Record{Kind: kindJob, Job: job}
}

// RuleRecord builds a Record wrapping a Rule.
func RuleRecord(rule domain.Rule) Record {
	return Record{Kind: kindRule, Rule: rule}
}

// EncodeRecord serializes a Record into its on-disk payload format. It
// does not add the outer length-prefix framing; see encodeFrame /
// wal.go for that.
func EncodeRecord(r Record) ([]byte, error) {
	switch r.Kind {
	case kindJob:
		return encodeJob(r.Job)
	case kindRule:
		return encodeRule(r.Rule)
	default:
		return nil, fmt.Errorf("%w: unknown record kind %d", ErrInvalidPayload, r.Kind)
	}
}

// DecodeRecord parses a payload produced by EncodeRecord.
func DecodeRecord(payload []byte) (Record, error) {
	if len(payload) < 1 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	switch recordKind(payload[0]) {
	case kindJob:
		job, err := decodeJob(payload[1:])
		if err != nil {
			return Record{}, err
		}
		return JobRecord(job), nil
	case kindRule:
		rule, err := decodeRule(payload[1:])
		if err != nil {
			return Record{}, err
		}
		return RuleRecord(rule), nil
	default:
		return Record{}, fmt.Errorf("%w: unknown record kind %d", ErrInvalidPayload, payload[0])
	}
}

func encodeJob(job domain.Job) ([]byte, error) {
	if err := domain.CheckStringLen(job.Identifier); err != nil {
		return nil, err
	}
	status, ok := jobStatusByte[job.Status]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job status %d", ErrInvalidPayload, job.Status)
	}

	buf := make([]byte, 0, 1+2+len(job.Identifier)+8+1)
	buf = append(buf, byte(kindJob))
	buf = appendString(buf, job.Identifier)
	buf = binary.BigEndian.AppendUint64(buf, uint64(job.ExecutionInstant))
	buf = append(buf, status)
	return buf, nil
}

func decodeJob(rest []byte) (domain.Job, error) {
	id, rest, err := takeString(rest)
	if err != nil {
		return domain.Job{}, err
	}
	if len(rest) < 9 {
		return domain.Job{}, fmt.Errorf("%w: truncated job record", ErrInvalidPayload)
	}
	instant := int64(binary.BigEndian.Uint64(rest[:8]))
	statusByte := rest[8]
	rest = rest[9:]
	if len(rest) != 0 {
		return domain.Job{}, fmt.Errorf("%w: trailing bytes in job record", ErrInvalidPayload)
	}
	status, ok := byteJobStatus[statusByte]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: unknown job status byte %d", ErrInvalidPayload, statusByte)
	}
	return domain.Job{Identifier: id, ExecutionInstant: instant, Status: status}, nil
}

func encodeRule(rule domain.Rule) ([]byte, error) {
	if err := domain.CheckStringLen(rule.Identifier); err != nil {
		return nil, err
	}
	if err := domain.CheckStringLen(rule.Pattern); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, byte(kindRule))
	buf = appendString(buf, rule.Identifier)
	buf = appendString(buf, rule.Pattern)

	switch rule.Runner.Kind {
	case domain.RunnerShell:
		if err := domain.CheckStringLen(rule.Runner.Command); err != nil {
			return nil, err
		}
		buf = append(buf, byte(runnerKindShell))
		buf = appendString(buf, rule.Runner.Command)
	case domain.RunnerAmqp:
		for _, s := range []string{rule.Runner.Dsn, rule.Runner.Exchange, rule.Runner.RoutingKey} {
			if err := domain.CheckStringLen(s); err != nil {
				return nil, err
			}
		}
		buf = append(buf, byte(runnerKindAmqp))
		buf = appendString(buf, rule.Runner.Dsn)
		buf = appendString(buf, rule.Runner.Exchange)
		buf = appendString(buf, rule.Runner.RoutingKey)
	default:
		return nil, fmt.Errorf("%w: unknown runner kind %d", ErrInvalidPayload, rule.Runner.Kind)
	}

	return buf, nil
}

func decodeRule(rest []byte) (domain.Rule, error) {
	id, rest, err := takeString(rest)
	if err != nil {
		return domain.Rule{}, err
	}
	pattern, rest, err := takeString(rest)
	if err != nil {
		return domain.Rule{}, err
	}
	if len(rest) < 1 {
		return domain.Rule{}, fmt.Errorf("%w: missing runner tag", ErrInvalidPayload)
	}
	tag := runnerKind(rest[0])
	rest = rest[1:]

	var runner domain.Runner
	switch tag {
	case runnerKindShell:
		command, remaining, err := takeString(rest)
		if err != nil {
			return domain.Rule{}, err
		}
		rest = remaining
		runner = domain.Runner{Kind: domain.RunnerShell, Command: command}
	case runnerKindAmqp:
		dsn, remaining, err := takeString(rest)
		if err != nil {
			return domain.Rule{}, err
		}
		rest = remaining
		exchange, remaining, err := takeString(rest)
		if err != nil {
			return domain.Rule{}, err
		}
		rest = remaining
		routingKey, remaining, err := takeString(rest)
		if err != nil {
			return domain.Rule{}, err
		}
		rest = remaining
		runner = domain.Runner{Kind: domain.RunnerAmqp, Dsn: dsn, Exchange: exchange, RoutingKey: routingKey}
	default:
		return domain.Rule{}, fmt.Errorf("%w: unknown runner tag %d", ErrInvalidPayload, tag)
	}

	if len(rest) != 0 {
		return domain.Rule{}, fmt.Errorf("%w: trailing bytes in rule record", ErrInvalidPayload)
	}

	return domain.Rule{Identifier: id, Pattern: pattern, Runner: runner}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func takeString(input []byte) (string, []byte, error) {
	if len(input) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrInvalidPayload)
	}
	n := int(binary.BigEndian.Uint16(input[:2]))
	input = input[2:]
	if len(input) < n {
		return "", nil, fmt.Errorf("%w: truncated string data", ErrInvalidPayload)
	}
	return string(input[:n]), input[n:], nil
}
