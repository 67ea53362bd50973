package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDeploymentProvisioning EventType = "deployment.provisioning"
	EventDeploymentActive       EventType = "deployment.active"
	EventDeploymentNoDNS        EventType = "deployment.active_no_dns"
	EventDeploymentFailed       EventType = "deployment.failed"
	EventDeploymentRolledBack   EventType = "deployment.rolled_back"
	EventDeploymentDeleted      EventType = "deployment.deleted"
	EventDNSBound               EventType = "dns.bound"
	EventNodeRegistered         EventType = "node.registered"
	EventNodeRemoved            EventType = "node.removed"
	EventNodeStatusChanged      EventType = "node.status_changed"
	EventNodeUnhealthy          EventType = "node.unhealthy"
)

// Event represents something that happened to a tenant or node
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Subject   string // subdomain or node name
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. A nil broker discards it.
// When the queue is full the event is dropped rather than stalling the
// caller.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

// Emit is a shorthand for Publish with a subject and message.
func (b *Broker) Emit(t EventType, subject, message string, metadata map[string]string) {
	b.Publish(&Event{Type: t, Subject: subject, Message: message, Metadata: metadata})
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
