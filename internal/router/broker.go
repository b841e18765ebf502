package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Broker drivers.
const (
	BrokerNATS  = "nats"
	BrokerRedis = "redis"
)

// NATSBroker publishes envelopes on a NATS connection.
type NATSBroker struct {
	conn *nats.Conn
}

// NewNATSBroker connects to url. The connection reconnects on its own;
// state changes are logged.
func NewNATSBroker(url, name string, logger *slog.Logger) (*NATSBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSBroker{conn: conn}, nil
}

// NewNATSBrokerWithConn wraps an established connection.
func NewNATSBrokerWithConn(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn}
}

// Name implements Broker.
func (b *NATSBroker) Name() string { return BrokerNATS }

// Publish implements Broker. It returns once the server has the message.
func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return err
	}
	return b.conn.FlushWithContext(ctx)
}

// Request implements Broker.
func (b *NATSBroker) Request(ctx context.Context, subject, replyTo string, data []byte) ([]byte, error) {
	sub, err := b.conn.SubscribeSync(replyTo)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.conn.PublishRequest(subject, replyTo, data); err != nil {
		return nil, err
	}
	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Close drains the connection.
func (b *NATSBroker) Close() error {
	return b.conn.Drain()
}

// RedisBroker publishes envelopes over Redis pub/sub.
type RedisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

// Name implements Broker.
func (b *RedisBroker) Name() string { return BrokerRedis }

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, subject string, data []byte) error {
	return b.client.Publish(ctx, subject, data).Err()
}

// Request implements Broker. The reply channel is subscribed before the
// request is published so a fast reply cannot be missed.
func (b *RedisBroker) Request(ctx context.Context, subject, replyTo string, data []byte) ([]byte, error) {
	sub := b.client.Subscribe(ctx, replyTo)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", replyTo, err)
	}

	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, errors.New("reply subscription closed")
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Broker. The Redis client is shared and stays open.
func (b *RedisBroker) Close() error { return nil }
