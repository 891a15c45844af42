// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
)

var (
	ErrTopicIDsExhausted = errors.New("no topic ids remaining")
	ErrInvalidTopicName  = errors.New("invalid topic name")
)

// Topic is a topic name registered against a topic id.
type Topic struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

// Topics is the table of topic ids registered by a client. Ids are assigned
// sequentially from 1.
type Topics struct {
	internal map[string]uint16
	ids      map[uint16]string
	sync.RWMutex
	cursor  uint16
	maximum uint16
}

// NewTopics returns a new, empty topic table.
func NewTopics() *Topics {
	return &Topics{
		internal: map[string]uint16{},
		ids:      map[uint16]string{},
		maximum:  math.MaxUint16 - 1, // 0xFFFF is reserved
	}
}

// Add registers a topic name and returns its id, and a boolean indicating if
// the topic was already registered.
func (t *Topics) Add(name string) (Topic, bool, error) {
	if name == "" || strings.ContainsAny(name, "+#") {
		return Topic{}, false, ErrInvalidTopicName
	}

	t.Lock()
	defer t.Unlock()

	if id, ok := t.internal[name]; ok {
		return Topic{ID: id, Name: name}, true, nil
	}

	if t.cursor >= t.maximum {
		return Topic{}, false, ErrTopicIDsExhausted
	}

	t.cursor++
	t.internal[name] = t.cursor
	t.ids[t.cursor] = name
	return Topic{ID: t.cursor, Name: name}, false, nil
}

// Restore registers a topic under a known id, such as one loaded from a store.
func (t *Topics) Restore(topic Topic) {
	t.Lock()
	defer t.Unlock()
	t.internal[topic.Name] = topic.ID
	t.ids[topic.ID] = topic.Name
	if topic.ID > t.cursor {
		t.cursor = topic.ID
	}
}

// Get returns the topic registered for a name.
func (t *Topics) Get(name string) (Topic, bool) {
	t.RLock()
	defer t.RUnlock()
	id, ok := t.internal[name]
	return Topic{ID: id, Name: name}, ok
}

// GetByID returns the topic registered for an id.
func (t *Topics) GetByID(id uint16) (Topic, bool) {
	t.RLock()
	defer t.RUnlock()
	name, ok := t.ids[id]
	return Topic{ID: id, Name: name}, ok
}

// GetAll returns all registered topics ordered by id.
func (t *Topics) GetAll() []Topic {
	t.RLock()
	defer t.RUnlock()
	out := make([]Topic, 0, len(t.ids))
	for id, name := range t.ids {
		out = append(out, Topic{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of registered topics.
func (t *Topics) Len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.ids)
}

// TopicIDWaits holds the topic names of publishes or subscriptions which are
// waiting on a topic id, keyed on message id.
type TopicIDWaits struct {
	internal map[uint16]string
	sync.RWMutex
}

// NewTopicIDWaits returns a new, empty set of waits.
func NewTopicIDWaits() *TopicIDWaits {
	return &TopicIDWaits{
		internal: map[uint16]string{},
	}
}

// Add records a topic name waiting on a message id.
func (w *TopicIDWaits) Add(msgID uint16, topic string) {
	w.Lock()
	defer w.Unlock()
	w.internal[msgID] = topic
}

// Get returns the topic name waiting on a message id.
func (w *TopicIDWaits) Get(msgID uint16) (string, bool) {
	w.RLock()
	defer w.RUnlock()
	topic, ok := w.internal[msgID]
	return topic, ok
}

// Delete removes a wait.
func (w *TopicIDWaits) Delete(msgID uint16) {
	w.Lock()
	defer w.Unlock()
	delete(w.internal, msgID)
}

// Clear removes all waits.
func (w *TopicIDWaits) Clear() {
	w.Lock()
	defer w.Unlock()
	w.internal = map[uint16]string{}
}

// Len returns the number of waits.
func (w *TopicIDWaits) Len() int {
	w.RLock()
	defer w.RUnlock()
	return len(w.internal)
}
