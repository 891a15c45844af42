// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"context"
	"errors"
	"sync"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"
)

// ErrMockOpen is returned by Mock.Open when FailOpen is set.
var ErrMockOpen = errors.New("mock open failure")

// Written is a packet written to a mock session.
type Written struct {
	Key    string
	Packet mqttpk.ControlPacket
}

type mockSession struct {
	onPacket PacketFn
	onClose  CloseFn
}

// Mock is a broker link which records written packets and lets tests deliver
// packets as if they were sent by the broker.
type Mock struct {
	sync.Mutex
	sessions map[string]*mockSession
	Written  chan Written
	Opened   int
	FailOpen bool
}

// NewMock returns a new mock broker link.
func NewMock() *Mock {
	return &Mock{
		sessions: map[string]*mockSession{},
		Written:  make(chan Written, 256),
	}
}

// Open records a new session for key, closing any session it replaces.
func (m *Mock) Open(_ context.Context, key string, onPacket PacketFn, onClose CloseFn) error {
	m.Lock()
	if m.FailOpen {
		m.Unlock()
		return ErrMockOpen
	}

	old := m.sessions[key]
	m.sessions[key] = &mockSession{onPacket: onPacket, onClose: onClose}
	m.Opened++
	m.Unlock()

	if old != nil && old.onClose != nil {
		old.onClose(nil)
	}
	return nil
}

// Write records a packet written to the session for key.
func (m *Mock) Write(key string, pk mqttpk.ControlPacket) error {
	m.Lock()
	_, ok := m.sessions[key]
	m.Unlock()
	if !ok {
		return ErrSessionNotOpen
	}

	select {
	case m.Written <- Written{Key: key, Packet: pk}:
	default:
	}

	return nil
}

// Deliver passes a packet to the session for key as if the broker sent it.
func (m *Mock) Deliver(key string, pk mqttpk.ControlPacket) bool {
	m.Lock()
	s, ok := m.sessions[key]
	m.Unlock()
	if !ok {
		return false
	}

	if s.onPacket != nil {
		s.onPacket(pk)
	}
	return true
}

// Has returns true if a session is open for key.
func (m *Mock) Has(key string) bool {
	m.Lock()
	defer m.Unlock()
	_, ok := m.sessions[key]
	return ok
}

// Close ends the session for key.
func (m *Mock) Close(key string) bool {
	m.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.Unlock()

	if ok && s.onClose != nil {
		s.onClose(nil)
	}
	return ok
}

// CloseAll ends every session.
func (m *Mock) CloseAll() {
	m.Lock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.Unlock()

	for _, k := range keys {
		m.Close(k)
	}
}

// Len returns the number of open sessions.
func (m *Mock) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.sessions)
}
