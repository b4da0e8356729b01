package broker

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus is a Bus over a core NATS connection.
type NATSBus struct {
	conn *nats.Conn
	log  *zap.Logger
}

// NewNATS connects to url and keeps reconnecting forever if the server
// goes away.
func NewNATS(url string, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("broker: connect to NATS: %w", err)
	}
	logger.Info("NATS connected", zap.String("url", url))
	return &NATSBus{conn: conn, log: logger}, nil
}

// Publish sends data to every subscriber of channel.
func (b *NATSBus) Publish(channel string, data []byte) error {
	return b.conn.Publish(channel, data)
}

// Subscribe registers h for channel.
func (b *NATSBus) Subscribe(channel string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe %s: %w", channel, err)
	}
	return sub, nil
}

// Close drains the connection so in-flight messages are flushed, then
// closes it. Drain can fail on an already broken connection; fall back
// to a plain close.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	return nil
}
