package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"detour/internal/domain"
	"detour/internal/logger"
)

const (
	defaultRelayName     = "kafka"
	defaultRelayBatch    = 100
	defaultRelayInterval = 2 * time.Second
)

// EventSource reads the audit log; events.Writer satisfies it.
type EventSource interface {
	After(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
}

// CursorStore persists how far a relay got; repo.Repo satisfies it.
type CursorStore interface {
	RelayCursor(ctx context.Context, name string) (int64, error)
	SetRelayCursor(ctx context.Context, name string, lastEventID int64, now time.Time) error
}

// Relay publishes audit events to Kafka in id order and remembers the last
// delivered id, so a restart resumes where it stopped.
type Relay struct {
	Producer sarama.SyncProducer
	Events   EventSource
	Cursors  CursorStore
	Topic    string
	Name     string
	Types    []string
	Batch    int
	Log      logger.Logger
	Now      func() time.Time
}

func NewRelay(prod sarama.SyncProducer, evts EventSource, cursors CursorStore, cfg Config, l logger.Logger) Relay {
	if l == nil {
		l = logger.NewNop()
	}
	return Relay{
		Producer: prod,
		Events:   evts,
		Cursors:  cursors,
		Topic:    cfg.eventsTopic(),
		Name:     defaultRelayName,
		Batch:    defaultRelayBatch,
		Log:      l,
		Now:      time.Now,
	}
}

type relayedEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (r Relay) batch() int {
	if r.Batch > 0 {
		return r.Batch
	}
	return defaultRelayBatch
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Once delivers one batch and returns how many events were published. The
// cursor advances past filtered events too, and stops at the first failed
// send so that event is retried next time.
func (r Relay) Once(ctx context.Context) (int, error) {
	name := r.Name
	if name == "" {
		name = defaultRelayName
	}
	batch := r.batch()
	cursor, err := r.Cursors.RelayCursor(ctx, name)
	if err != nil {
		return 0, err
	}
	evts, err := r.Events.After(ctx, cursor, batch)
	if err != nil {
		return 0, err
	}
	filter := newEventFilter(r.Types)
	sent := 0
	last := cursor
	defer func() {
		if last == cursor {
			return
		}
		if err := r.Cursors.SetRelayCursor(ctx, name, last, r.now()); err != nil {
			r.Log.Errorf(ctx, "feed.Relay save cursor %s=%d: %v", name, last, err)
		}
	}()
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			last = evt.ID
			continue
		}
		if err := r.publish(evt); err != nil {
			r.Log.Warnf(ctx, "feed.Relay publish event %d: %v", evt.ID, err)
			return sent, err
		}
		last = evt.ID
		sent++
	}
	return sent, nil
}

func (r Relay) publish(evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.PayloadJSON != "" {
		if json.Valid([]byte(evt.PayloadJSON)) {
			payload = json.RawMessage(evt.PayloadJSON)
		} else {
			raw = evt.PayloadJSON
		}
	}
	val, err := json.Marshal(relayedEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	key := evt.EntityID
	if key == "" {
		key = evt.EntityKind
	}
	_, _, err = r.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: r.Topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
			{Key: []byte("event_id"), Value: []byte(strconv.FormatInt(evt.ID, 10))},
		},
	})
	return err
}

// Run relays batches until ctx is cancelled.
func (r Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.Once(ctx)
			if err != nil || n < r.batch() {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
