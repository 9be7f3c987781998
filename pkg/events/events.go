package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventJobSubmitted       EventType = "job.submitted"
	EventJobTransitioned    EventType = "job.transitioned"
	EventJobProgress        EventType = "job.progress"
	EventJobCancelRequested EventType = "job.cancel_requested"
	EventInstanceRequested  EventType = "instance.requested"
	EventInstanceChanged    EventType = "instance.transitioned"
	EventInstanceReady      EventType = "instance.ready"
	EventInstanceFailed     EventType = "instance.failed"
	EventInstanceIdle       EventType = "instance.idle"
	EventAssignmentCreated  EventType = "assignment.created"
	EventAssignmentChanged  EventType = "assignment.transitioned"
	EventComplianceOrphan   EventType = "compliance.orphan_terminated"
)

// Event is one notification on the bus. The bus is lossy by design: events
// are wake-ups, not state. Consumers re-read authoritative rows from the
// store on wake, so a dropped or coalesced event never loses work.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Metadata keys used across components
const (
	MetaJobID        = "job_id"
	MetaInstanceID   = "instance_id"
	MetaAssignmentID = "assignment_id"
	MetaProvider     = "provider"
	MetaOwner        = "owner"
	MetaFromState    = "from"
	MetaToState      = "to"
	MetaProgressPct  = "pct"
)

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Bus saturated. Dropping is safe: consumers reconcile from the
		// store on their periodic ticks.
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
