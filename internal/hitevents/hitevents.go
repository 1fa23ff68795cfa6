// Package hitevents publishes selection changes to Kafka.
package hitevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/oceanview/internal/core/observability"
	"github.com/mohammed-shakir/oceanview/internal/selection"
)

type Event struct {
	Version uint64    `json:"version"`
	Path    string    `json:"path"`
	State   string    `json:"state"`
	Region  string    `json:"region,omitempty"`
	Dataset string    `json:"dataset,omitempty"`
	Date    string    `json:"date,omitempty"`
	Loading bool      `json:"loading"`
	Loaded  bool      `json:"loaded"`
	Error   string    `json:"error,omitempty"`
	TS      time.Time `json:"ts"`
}

// FromSnapshot flattens a selection snapshot into a wire event.
func FromSnapshot(s selection.Snapshot, ts time.Time) Event {
	ev := Event{
		Version: s.Version,
		Path:    s.Path(),
		State:   s.State().String(),
		Date:    s.Date,
		Loading: s.Loading,
		Loaded:  s.LayerData != nil,
		TS:      ts.UTC(),
	}
	if s.Region != nil {
		ev.Region = s.Region.ID
	}
	if s.Dataset != nil {
		ev.Dataset = s.Dataset.ID
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	return ev
}

type Publisher struct {
	topic   string
	log     *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "oceanview"
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}
	return newWithProducer(prod, topic, queueSize, log), nil
}

func newWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		log:     log,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("hitevents: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Region),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("hitevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev and never blocks; a full queue drops the event.
func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
		observability.ObserveSelectionEvent("queued")
	default:
		observability.ObserveSelectionEvent("dropped")
	}
}

// Forward publishes snapshots from snaps until it closes or ctx ends.
// Snapshots whose path and load state match the previous one are skipped.
func (p *Publisher) Forward(ctx context.Context, snaps <-chan selection.Snapshot) {
	var last *Event
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			ev := FromSnapshot(s, time.Now())
			if last != nil && sameState(*last, ev) {
				continue
			}
			p.Publish(ev)
			last = &ev
		}
	}
}

func sameState(a, b Event) bool {
	return a.Path == b.Path && a.Loading == b.Loading && a.Loaded == b.Loaded && a.Error == b.Error
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("hitevents: close producer: %w", err)
	}
	return nil
}
