// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mochi-mqtt/sngateway/packets"
)

// EventType indicates the stage an Event is travelling between.
type EventType byte

const (
	EventClientRecv EventType = iota // a packet received from a registered client
	EventClientSend                  // a packet to unicast to a client
	EventBrokerSend                  // a packet to write to the client's broker session
	EventBrokerRecv                  // a packet read from the client's broker session
	EventBroadcast                   // a packet to multicast, or a received SEARCHGW
	EventTimeout                     // synthesized by TimedWait when nothing arrived
)

var eventNames = map[EventType]string{
	EventClientRecv: "client-recv",
	EventClientSend: "client-send",
	EventBrokerSend: "broker-send",
	EventBrokerRecv: "broker-recv",
	EventBroadcast:  "broadcast",
	EventTimeout:    "timeout",
}

// String returns the name of the event type.
func (t EventType) String() string {
	return eventNames[t]
}

// Event carries at most one packet between pipeline stages. An Event holds either
// an MQTT-SN packet or a broker-side MQTT packet, never both.
type Event struct {
	Type     EventType
	Client   *Client              // the client the packet belongs to, nil for broadcasts and timeouts
	Packet   *packets.Packet      // MQTT-SN packet
	Message  mqttpk.ControlPacket // broker-side MQTT packet
	released atomic.Bool
}

// NewEvent returns an event carrying an MQTT-SN packet.
func NewEvent(t EventType, cl *Client, pk *packets.Packet) *Event {
	return &Event{Type: t, Client: cl, Packet: pk}
}

// NewBrokerEvent returns an event carrying a broker-side MQTT packet.
func NewBrokerEvent(t EventType, cl *Client, msg mqttpk.ControlPacket) *Event {
	return &Event{Type: t, Client: cl, Message: msg}
}

// Release drops the packet held by the event. Only the first call has any effect
// and it reports true.
func (e *Event) Release() bool {
	if !e.released.CompareAndSwap(false, true) {
		return false
	}
	e.Packet = nil
	e.Message = nil
	return true
}

// Released returns true if the event packet has been released.
func (e *Event) Released() bool {
	return e.released.Load()
}

// EventQueue is an unbounded FIFO of events which is safe for concurrent use.
// Waiters block on a signal channel rather than polling.
type EventQueue struct {
	mu     sync.Mutex
	events []*Event
	ready  chan struct{}
}

// NewEventQueue returns a new, empty event queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{
		events: make([]*Event, 0, 64),
		ready:  make(chan struct{}, 1),
	}
}

// Post appends an event to the queue and wakes a waiter.
func (q *EventQueue) Post(ev *Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.signal()
}

// signal marks the queue as ready without blocking if it is already marked.
func (q *EventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop removes the head of the queue, re-arming the signal if events remain.
func (q *EventQueue) pop() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}

	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	if len(q.events) == 0 {
		q.events = nil
	} else {
		q.signal()
	}

	return ev
}

// Wait blocks until an event is available and removes it from the queue. It
// returns the context error if ctx is done first.
func (q *EventQueue) Wait(ctx context.Context) (*Event, error) {
	for {
		if ev := q.pop(); ev != nil {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// TimedWait blocks for up to d for an event. If none arrives, it returns a new
// Timeout event.
func (q *EventQueue) TimedWait(d time.Duration) *Event {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		if ev := q.pop(); ev != nil {
			return ev
		}

		select {
		case <-q.ready:
		case <-timer.C:
			if ev := q.pop(); ev != nil {
				return ev
			}
			return &Event{Type: EventTimeout}
		}
	}
}

// Size returns the number of events in the queue.
func (q *EventQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
