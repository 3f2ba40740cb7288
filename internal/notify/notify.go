package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/metrics"
	"signoff/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 100
)

// Notification is what sinks receive for every workflow instance event.
type Notification struct {
	EventID    int64           `json:"event_id"`
	InstanceID string          `json:"instance_id"`
	EventType  string          `json:"event_type"`
	Actor      string          `json:"actor"`
	Timestamp  string          `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// FromEvent converts an outbox row. Only instance events produce notifications.
func FromEvent(evt domain.Event) (Notification, bool) {
	if evt.EntityKind != "instance" {
		return Notification{}, false
	}
	n := Notification{
		EventID:    evt.ID,
		InstanceID: evt.EntityID,
		EventType:  evt.Type,
		Actor:      evt.ActorID,
		Timestamp:  evt.TS,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		n.Payload = json.RawMessage(evt.Payload)
	}
	return n, true
}

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher tails the event outbox and feeds every sink from its own
// persisted cursor. A failing sink stops at the failed event and retries it
// on the next poll; state changes are never rolled back by delivery errors.
type Dispatcher struct {
	Repo         repo.Repo
	Sinks        []Sink
	PollInterval time.Duration
	BatchSize    int
	Log          zerolog.Logger
	Now          func() time.Time
}

func (d *Dispatcher) now() string {
	if d.Now != nil {
		return d.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		<-ctx.Done()
		return nil
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.Log.Warn().Err(err).Msg("Notification poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll delivers one batch per sink and returns the number of notifications delivered.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	delivered := 0
	for _, sink := range d.Sinks {
		n, err := d.pollSink(ctx, sink)
		delivered += n
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

func (d *Dispatcher) pollSink(ctx context.Context, sink Sink) (int, error) {
	batch := d.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	cursor, err := d.Repo.NotificationCursor(ctx, sink.Name())
	if err != nil {
		return 0, err
	}
	evts, err := d.Repo.EventsAfter(ctx, cursor, batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	last := cursor
	for _, evt := range evts {
		if n, ok := FromEvent(evt); ok {
			if err := sink.Deliver(ctx, n); err != nil {
				metrics.NotificationsDelivered.WithLabelValues(sink.Name(), "error").Inc()
				d.Log.Warn().Err(err).Str("sink", sink.Name()).Int64("event_id", evt.ID).Msg("Notification delivery failed")
				break
			}
			metrics.NotificationsDelivered.WithLabelValues(sink.Name(), "ok").Inc()
			delivered++
		}
		last = evt.ID
	}
	if last != cursor {
		if err := d.Repo.SaveNotificationCursor(ctx, sink.Name(), last, d.now()); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// eventFilter matches event types against a configured list. An empty list matches all.
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if key == "*" {
			return eventFilter{all: true}
		}
		set[key] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Log zerolog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Log.Info().
		Str("instance_id", n.InstanceID).
		Str("event_type", n.EventType).
		Str("actor", n.Actor).
		Str("timestamp", n.Timestamp).
		Msg("Workflow notification")
	return nil
}

// NewDispatcher builds a dispatcher with the sinks enabled in cfg. The
// returned close function releases sink connections.
func NewDispatcher(cfg *config.Config, r repo.Repo, log zerolog.Logger) (*Dispatcher, func(), error) {
	d := &Dispatcher{
		Repo:         r,
		PollInterval: cfg.Notifications.PollInterval,
		BatchSize:    cfg.Notifications.BatchSize,
		Log:          log.With().Str("component", "notify").Logger(),
	}
	closeFn := func() {}
	if cfg.Notifications.Log {
		d.Sinks = append(d.Sinks, LogSink{Log: d.Log})
	}
	for _, wh := range cfg.Notifications.Webhooks {
		d.Sinks = append(d.Sinks, NewWebhookSink(wh, nil))
	}
	if url := strings.TrimSpace(cfg.Notifications.NATS.URL); url != "" {
		nc, err := DialNATS(url)
		if err != nil {
			return nil, closeFn, fmt.Errorf("connect nats: %w", err)
		}
		d.Sinks = append(d.Sinks, NATSSink{Conn: nc, Prefix: cfg.Notifications.NATS.SubjectPrefix})
		closeFn = func() { _ = nc.Drain() }
	}
	return d, closeFn, nil
}
