// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrMockListen is returned by a MockListener with ErrListen set.
var ErrMockListen = errors.New("listen failure")

// MockListener is a listener which serves nothing, for use in tests and as a
// placeholder in listener configs.
type MockListener struct {
	id        string
	address   string
	ctx       context.Context
	stop      context.CancelFunc
	serving   atomic.Bool
	listening atomic.Bool
	ErrListen bool // fail on Init
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	ctx, stop := context.WithCancel(context.Background())
	return &MockListener{
		id:      id,
		address: address,
		ctx:     ctx,
		stop:    stop,
	}
}

// Init marks the listener as listening, or fails if ErrListen is set.
func (l *MockListener) Init(_ *slog.Logger) error {
	if l.ErrListen {
		return ErrMockListen
	}
	l.listening.Store(true)
	return nil
}

// Serve blocks until the listener is closed.
func (l *MockListener) Serve() {
	l.serving.Store(true)
	<-l.ctx.Done()
	l.serving.Store(false)
}

func (l *MockListener) ID() string       { return l.id }
func (l *MockListener) Address() string  { return l.address }
func (l *MockListener) Protocol() string { return "mock" }

// Close releases Serve. It is safe to call more than once.
func (l *MockListener) Close() {
	l.stop()
	l.serving.Store(false)
}

// IsServing indicates whether Serve is running.
func (l *MockListener) IsServing() bool {
	return l.serving.Load()
}

// IsListening indicates whether Init has succeeded.
func (l *MockListener) IsListening() bool {
	return l.listening.Load()
}
