package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/warp/shift-settlement/settlement"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject,
// e.g. "settlement.timecard.paid".
const DefaultSubjectPrefix = "settlement.timecard"

// Publisher is the subset of *nats.Conn used by NATS.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events on core NATS subjects.
type NATS struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{pub: pub, prefix: prefix}
}

// DialNATS connects to a NATS server and returns a notifier owning the connection.
func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("shift-settlement"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := NewNATS(nc, prefix)
	n.conn = nc
	return n, nil
}

// Subject returns the subject an event type is published on.
func (n *NATS) Subject(t settlement.EventType) string {
	return n.prefix + "." + string(t)
}

func (n *NATS) Notify(ctx context.Context, e settlement.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(NewPayload(e))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.pub.Publish(n.Subject(e.Type), data)
}

// Close drains the connection if this notifier opened it.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
