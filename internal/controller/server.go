// Package controller implements Kairoi's client-facing TCP listener: the
// line-oriented wire protocol, per-connection request parsing, and
// dispatch into the engine via the query_req/query_resp channels.
package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/emerick42/kairoi/internal/dispatch"
	"github.com/emerick42/kairoi/internal/metrics"
	"github.com/emerick42/kairoi/internal/requestid"
)

// maxLineBytes bounds one request line; past this the connection is closed
// rather than let an unbounded line exhaust memory.
const maxLineBytes = 64 * 1024

// Server accepts client connections and turns each request line into a
// dispatch.QueryRequest, routing responses back through the registry.
type Server struct {
	listen   string
	registry *dispatch.ClientRegistry
	queryReq chan<- dispatch.QueryRequest
	logger   *slog.Logger

	nextClientID atomic.Uint64
}

// New builds a Server. queryReq is the engine's inbound instruction
// channel; registry is shared with the engine's response fan-out.
func New(listen string, registry *dispatch.ClientRegistry, queryReq chan<- dispatch.QueryRequest, logger *slog.Logger) *Server {
	return &Server{
		listen:   listen,
		registry: registry,
		queryReq: queryReq,
		logger:   logger.With("component", "controller"),
	}
}

// Run accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("controller listening", "address", s.listen)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

// handle services one client connection until it disconnects or the
// server shuts down.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	clientID := s.nextClientID.Add(1)
	connID := requestid.New()
	ctx = requestid.WithRequestID(ctx, connID)
	logger := s.logger.With("client_id", clientID)

	metrics.ControllerConnectionsTotal.Inc()
	metrics.ControllerActiveConnections.Inc()
	defer metrics.ControllerActiveConnections.Dec()

	responses := s.registry.Register(clientID)
	defer s.registry.Unregister(clientID)
	defer conn.Close()

	done := make(chan struct{})
	go s.writeResponses(conn, responses, done)
	defer func() { <-done }()
	defer close(done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		req, err := parseLine(line)
		if err != nil {
			logger.DebugContext(ctx, "malformed request line", "error", err)
			metrics.ControllerRequestsTotal.WithLabelValues("unknown", "error").Inc()
			reply := "ERROR\n"
			if tokens, tokErr := tokenize(line); tokErr == nil && len(tokens) > 0 {
				reply = tokens[0] + " ERROR\n"
			}
			if _, writeErr := fmt.Fprint(conn, reply); writeErr != nil {
				return
			}
			continue
		}

		metrics.ControllerRequestsTotal.WithLabelValues(commandLabel(req.Instruction), "accepted").Inc()
		s.queryReq <- dispatch.QueryRequest{ClientID: clientID, RequestID: req.RequestID, Instruction: req.Instruction}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.DebugContext(ctx, "connection read error", "error", err)
	}
}

// commandLabel names the metric label for an already-parsed instruction.
func commandLabel(instr dispatch.Instruction) string {
	switch instr.Kind {
	case dispatch.InstructionJobSet:
		return "set"
	case dispatch.InstructionRuleSet:
		return "rule_set"
	default:
		return "unknown"
	}
}

// writeResponses drains a client's response channel and writes each
// answer back over the connection, preserving arrival order.
func (s *Server) writeResponses(conn net.Conn, responses <-chan dispatch.QueryResponse, done <-chan struct{}) {
	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				return
			}
			status := "OK"
			if !resp.OK {
				status = "ERROR"
			}
			if _, err := fmt.Fprintf(conn, "%s %s\n", resp.RequestID, status); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
