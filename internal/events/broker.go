// Package events fans out pipeline progress to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of a pipeline step.
type State string

const (
	StateStarted   State = "started"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Event describes progress of a pipeline for one service or domain.
type Event struct {
	// Subject is the service or domain id the event belongs to.
	Subject  string    `json:"subject"`
	Pipeline string    `json:"pipeline"`
	Step     string    `json:"step"`
	State    State     `json:"state"`
	Message  string    `json:"message,omitempty"`
	Duration string    `json:"duration,omitempty"`
	Time     time.Time `json:"time"`
}

// Subscriber receives events for one subject.
type Subscriber struct {
	ID        string
	Subject   string
	Ch        chan Event
	CreatedAt time.Time
}

// Broker manages subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates a new event broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for subject. An empty subject receives everything.
func (b *Broker) Subscribe(subject string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.NewString(),
		Subject:   subject,
		Ch:        make(chan Event, 64),
		CreatedAt: time.Now(),
	}
	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "subject", subject)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish delivers ev to every matching subscriber. Slow subscribers drop events.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.Subject != "" && sub.Subject != ev.Subject {
			continue
		}
		select {
		case sub.Ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"subject", ev.Subject,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Observer adapts the broker to pipeline step callbacks for one subject.
type Observer struct {
	broker   *Broker
	subject  string
	pipeline string
}

// NewObserver returns an observer that publishes steps of pipeline for subject.
func NewObserver(b *Broker, subject, pipeline string) *Observer {
	return &Observer{broker: b, subject: subject, pipeline: pipeline}
}

func (o *Observer) StepStarted(name string) {
	o.broker.Publish(Event{Subject: o.subject, Pipeline: o.pipeline, Step: name, State: StateStarted})
}

func (o *Observer) StepFinished(name string, err error, d time.Duration) {
	ev := Event{Subject: o.subject, Pipeline: o.pipeline, Step: name, State: StateSucceeded, Duration: d.Round(time.Millisecond).String()}
	if err != nil {
		ev.State = StateFailed
		ev.Message = err.Error()
	}
	o.broker.Publish(ev)
}
