package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of a NATS connection the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every notification on <prefix>.<event_type>.
type NATSSink struct {
	Conn   Publisher
	Prefix string
}

// DialNATS connects to url for use by a NATSSink.
func DialNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("signoff-notifier"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
}

func (s NATSSink) Name() string { return "nats" }

func (s NATSSink) Subject(eventType string) string {
	prefix := strings.TrimSuffix(s.Prefix, ".")
	if prefix == "" {
		prefix = "signoff"
	}
	return prefix + "." + eventType
}

func (s NATSSink) Deliver(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.Subject(n.EventType), data)
}
