// Package fanout is the in-process pub/sub gateway that pushes ride, offer
// and location change-events to connected clients. Delivery is at-most-once
// and best-effort: a subscriber whose buffer is full loses the event, and a
// disconnected subscriber misses everything published while away. Clients
// re-fetch current state on reconnect.
package fanout

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Topic names. Ride topics carry status, offer and location events for one
// ride; feed topics carry ride_available/ride_closed for one vehicle type.
func RideTopic(rideID string) string { return "ride:" + rideID }

func DriverFeedTopic(vt models.VehicleType) string { return "driver-feed:" + string(vt) }

const defaultBuffer = 16

// Subscriber is one connected client's handle. Events arrive on Events()
// until the hub disconnects it, which closes the channel.
type Subscriber struct {
	ch     chan models.Event
	topics map[string]struct{} // guarded by the hub's mutex
	closed bool                // guarded by the hub's mutex
}

func (s *Subscriber) Events() <-chan models.Event { return s.ch }

// Hub routes published events to every subscriber registered on the topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscriber]struct{}), buffer: defaultBuffer}
}

// Register creates a subscriber with no topics. Pair with Disconnect.
func (h *Hub) Register() *Subscriber {
	return &Subscriber{ch: make(chan models.Event, h.buffer), topics: make(map[string]struct{})}
}

// Subscribe adds the subscriber to a topic. Idempotent.
func (h *Hub) Subscribe(s *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.topics[topic] = set
	}
	set[s] = struct{}{}
	s.topics[topic] = struct{}{}
}

// Unsubscribe removes the subscriber from a topic. Idempotent.
func (h *Hub) Unsubscribe(s *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s, topic)
}

// Disconnect removes the subscriber from every topic and closes its channel.
// Safe to call more than once.
func (h *Hub) Disconnect(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for topic := range s.topics {
		h.removeLocked(s, topic)
	}
	s.closed = true
	close(s.ch)
}

func (h *Hub) removeLocked(s *Subscriber, topic string) {
	if set, ok := h.topics[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(s.topics, topic)
}

// Publish delivers the event to every current subscriber of the topic
// without blocking. Returns the number of subscribers that received it.
// The sends happen under the read lock: Disconnect closes channels under
// the write lock, so a send can never hit a closed channel.
func (h *Hub) Publish(topic string, ev models.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.topics[topic] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			observability.FanoutDropped.Inc()
		}
	}
	observability.FanoutEvents.Inc()
	return delivered
}
