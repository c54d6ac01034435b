package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vdavid/vmail-leases/internal/lease"
)

// TopicLeases is the topic lease events are broadcast on.
const TopicLeases = "leases"

// Lease event types.
const (
	EventPublished = "published"
	EventRetracted = "retracted"
	EventReclaimed = "reclaimed"
)

// LeaseEvent is the JSON message sent to lease topic subscribers.
type LeaseEvent struct {
	Type   string            `json:"type"`
	Holder string            `json:"holder"`
	At     time.Time         `json:"at"`
	Leak   *lease.LeakReport `json:"leak,omitempty"`
}

func (h *Hub) sendEvent(ev LeaseEvent) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode lease event: %w", err)
	}
	h.Send(TopicLeases, msg)
	return nil
}

// EventSink forwards reclaimed leases to websocket subscribers.
type EventSink struct {
	hub *Hub
}

var _ lease.Sink = (*EventSink)(nil)

// NewEventSink creates a lease.Sink broadcasting on hub.
func NewEventSink(hub *Hub) *EventSink {
	return &EventSink{hub: hub}
}

func (s *EventSink) LeakDetected(_ context.Context, report lease.LeakReport) error {
	return s.hub.sendEvent(LeaseEvent{
		Type:   EventReclaimed,
		Holder: report.Holder,
		At:     report.ReclaimedAt,
		Leak:   &report,
	})
}

// EventListener forwards a holder's publish and retract events to websocket subscribers.
type EventListener[T any] struct {
	hub    *Hub
	holder string
}

// NewEventListener creates a listener for the holder called holder.
func NewEventListener[T any](hub *Hub, holder string) *EventListener[T] {
	return &EventListener[T]{hub: hub, holder: holder}
}

func (l *EventListener[T]) Name() string {
	return "websocket:" + l.holder
}

func (l *EventListener[T]) ResourceAvailable(T) error {
	return l.hub.sendEvent(LeaseEvent{Type: EventPublished, Holder: l.holder, At: time.Now()})
}

func (l *EventListener[T]) ResourceUnavailable(T) error {
	return l.hub.sendEvent(LeaseEvent{Type: EventRetracted, Holder: l.holder, At: time.Now()})
}
