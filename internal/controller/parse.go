package controller

import (
	"errors"
	"strings"
	"time"

	"github.com/emerick42/kairoi/internal/dispatch"
	"github.com/emerick42/kairoi/internal/domain"
)

// ErrMalformedLine is returned when a request line cannot be tokenized or
// does not match any known command shape.
var ErrMalformedLine = errors.New("malformed request line")

// executionTimeLayout is the wire format for SET's <when> argument.
const executionTimeLayout = "2006-01-02 15:04:05"

// tokenize splits a request line into tokens: runs of non-space bytes, or
// "…" quoted spans where \\ and \" are the only escapes and any other
// content is literal.
func tokenize(line string) ([]string, error) {
	var tokens []string
	i, n := 0, len(line)

	for i < n {
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}

		if line[i] == '"' {
			tok, next, err := takeQuoted(line, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next
			continue
		}

		start := i
		for i < n && line[i] != ' ' {
			i++
		}
		tokens = append(tokens, line[start:i])
	}

	return tokens, nil
}

func takeQuoted(line string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	n := len(line)
	for i < n {
		switch line[i] {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= n {
				return "", 0, ErrMalformedLine
			}
			switch line[i+1] {
			case '\\', '"':
				b.WriteByte(line[i+1])
				i += 2
			default:
				return "", 0, ErrMalformedLine
			}
		default:
			b.WriteByte(line[i])
			i++
		}
	}
	return "", 0, ErrMalformedLine
}

// renderToken re-quotes a token if it contains a space or a quote, the
// inverse of tokenize. Used by tests to round-trip arbitrary strings.
func renderToken(tok string) string {
	if tok != "" && !strings.ContainsAny(tok, " \"") {
		return tok
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(tok); i++ {
		switch tok[i] {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(tok[i])
		default:
			b.WriteByte(tok[i])
		}
	}
	b.WriteByte('"')
	return b.String()
}

// parsedRequest is one fully parsed client line.
type parsedRequest struct {
	RequestID   string
	Instruction dispatch.Instruction
}

// parseLine tokenizes and parses one request line into the instruction the
// engine understands, per the wire grammar `<request_id> <command> <args...>`.
func parseLine(line string) (parsedRequest, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return parsedRequest{}, err
	}
	if len(tokens) < 2 {
		return parsedRequest{}, ErrMalformedLine
	}

	requestID := tokens[0]
	rest := tokens[1:]

	switch {
	case len(rest) == 3 && strings.EqualFold(rest[0], "SET"):
		instant, err := parseExecutionInstant(rest[2])
		if err != nil {
			return parsedRequest{}, err
		}
		return parsedRequest{RequestID: requestID, Instruction: dispatch.JobSet(rest[1], instant)}, nil

	case len(rest) == 6 && strings.EqualFold(rest[0], "RULE") && strings.EqualFold(rest[1], "SET") && strings.EqualFold(rest[4], "shell"):
		runner := domain.Runner{Kind: domain.RunnerShell, Command: rest[5]}
		return parsedRequest{RequestID: requestID, Instruction: dispatch.RuleSet(rest[2], rest[3], runner)}, nil

	case len(rest) == 8 && strings.EqualFold(rest[0], "RULE") && strings.EqualFold(rest[1], "SET") && strings.EqualFold(rest[4], "amqp"):
		runner := domain.Runner{Kind: domain.RunnerAmqp, Dsn: rest[5], Exchange: rest[6], RoutingKey: rest[7]}
		return parsedRequest{RequestID: requestID, Instruction: dispatch.RuleSet(rest[2], rest[3], runner)}, nil

	default:
		return parsedRequest{}, ErrMalformedLine
	}
}

// parseExecutionInstant parses the `YYYY-MM-DD HH:MM:SS` UTC wire format
// into UTC nanoseconds since epoch.
func parseExecutionInstant(s string) (int64, error) {
	t, err := time.Parse(executionTimeLayout, s)
	if err != nil {
		return 0, ErrMalformedLine
	}
	return t.UTC().UnixNano(), nil
}

// formatExecutionInstant is the inverse of parseExecutionInstant, used by
// tests.
func formatExecutionInstant(ns int64) string {
	return time.Unix(0, ns).UTC().Format(executionTimeLayout)
}
