// Package amqp implements the AMQP runner backend: it publishes a message
// to the rule's configured exchange/routing key over a broker connection
// opened per-DSN and cached for reuse.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/emerick42/kairoi/internal/domain"
)

// Backend publishes execution triggers to an AMQP broker. One connection
// and channel are kept open per distinct DSN, since dialing on every
// execution would dominate dispatch latency under load.
type Backend struct {
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*amqp.Connection
	channel map[string]*amqp.Channel
}

// New builds an AMQP Backend.
func New(logger *slog.Logger) *Backend {
	return &Backend{
		logger:  logger.With("component", "runner.amqp"),
		conns:   make(map[string]*amqp.Connection),
		channel: make(map[string]*amqp.Channel),
	}
}

// Run publishes a persistent message, bodied with jobIdentifier, to
// runner.Exchange / runner.RoutingKey over the broker at runner.Dsn.
func (b *Backend) Run(ctx context.Context, jobIdentifier string, runner domain.Runner) error {
	ch, err := b.channelFor(runner.Dsn)
	if err != nil {
		return fmt.Errorf("amqp channel for %s: %w", runner.Exchange, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(jobIdentifier),
	}
	if err := ch.PublishWithContext(ctx, runner.Exchange, runner.RoutingKey, false, false, pub); err != nil {
		b.invalidate(runner.Dsn)
		return fmt.Errorf("amqp publish to %s/%s: %w", runner.Exchange, runner.RoutingKey, err)
	}

	b.logger.Debug("amqp publish completed", "exchange", runner.Exchange, "routing_key", runner.RoutingKey)
	return nil
}

func (b *Backend) channelFor(dsn string) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channel[dsn]; ok {
		return ch, nil
	}

	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	b.conns[dsn] = conn
	b.channel[dsn] = ch
	return ch, nil
}

// invalidate drops a cached connection/channel pair after a publish
// failure, so the next Run dials fresh rather than retrying a broken
// channel indefinitely.
func (b *Backend) invalidate(dsn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn, ok := b.conns[dsn]; ok {
		conn.Close()
	}
	delete(b.conns, dsn)
	delete(b.channel, dsn)
}

// Close shuts down every cached connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for dsn, conn := range b.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.conns, dsn)
		delete(b.channel, dsn)
	}
	return firstErr
}
