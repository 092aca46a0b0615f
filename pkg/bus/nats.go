package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATS is the production bus, one subject per topic.
type NATS struct {
	conn *nats.Conn
	log  *slog.Logger
}

// ConnectNATS dials the broker. The connection reconnects indefinitely;
// events published while disconnected are buffered by the client.
func ConnectNATS(url string, log *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, log: log.With("component", "bus")}, nil
}

// Publish implements Bus.
func (n *NATS) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.conn.Publish(topic, data)
}

// Subscribe implements Bus.
func (n *NATS) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		if err := h(context.Background(), msg.Data); err != nil {
			n.log.Error("handler failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close implements Bus.
func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
