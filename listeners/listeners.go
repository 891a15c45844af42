// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package listeners provides the http endpoints which expose gateway health and
// statistics.
package listeners

import (
	"crypto/tls"
	"log/slog"
	"slices"
	"sync"
)

const (
	TypeHealthCheck = "healthcheck"
	TypeSysInfo     = "sysinfo"
	TypeMock        = "mock"
)

// Config contains configuration values for a listener.
type Config struct {
	Type      string      `yaml:"type" json:"type"`
	ID        string      `yaml:"id" json:"id"`
	Address   string      `yaml:"address" json:"address"`
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// Listener is an interface for http listeners. A listener serves an endpoint
// until it is closed.
type Listener interface {
	Init(*slog.Logger) error // open the network address
	Serve()                  // starting serving responses
	ID() string              // return the id of the listener
	Address() string         // the address of the listener
	Protocol() string        // the protocol in use by the listener
	Close()                  // stop serving
}

// Listeners contains the http listeners of the gateway.
type Listeners struct {
	wg       sync.WaitGroup
	internal map[string]Listener
	sync.RWMutex
}

// New returns a new instance of Listeners.
func New() *Listeners {
	return &Listeners{
		internal: map[string]Listener{},
	}
}

// Add adds a new listener to the listeners map, keyed on id.
func (l *Listeners) Add(val Listener) {
	l.Lock()
	defer l.Unlock()
	l.internal[val.ID()] = val
}

// Get returns the value of a listener if it exists.
func (l *Listeners) Get(id string) (Listener, bool) {
	l.RLock()
	defer l.RUnlock()
	val, ok := l.internal[id]
	return val, ok
}

// Len returns the length of the listeners map.
func (l *Listeners) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.internal)
}

// Delete removes a listener from the internal map.
func (l *Listeners) Delete(id string) {
	l.Lock()
	defer l.Unlock()
	delete(l.internal, id)
}

// Serve starts a listener serving from the internal map.
func (l *Listeners) Serve(id string) {
	l.RLock()
	defer l.RUnlock()
	listener, ok := l.internal[id]
	if !ok {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		listener.Serve()
	}()
}

// ids returns the listener ids in sorted order.
func (l *Listeners) ids() []string {
	l.RLock()
	defer l.RUnlock()
	ids := make([]string, 0, len(l.internal))
	for id := range l.internal {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ServeAll starts all listeners serving from the internal map.
func (l *Listeners) ServeAll() {
	for _, id := range l.ids() {
		l.Serve(id)
	}
}

// Close stops a listener from the internal map.
func (l *Listeners) Close(id string) {
	if listener, ok := l.Get(id); ok {
		listener.Close()
	}
}

// CloseAll closes all registered listeners and waits for each to stop serving.
func (l *Listeners) CloseAll() {
	for _, id := range l.ids() {
		l.Close(id)
	}
	l.wg.Wait()
}
