// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package broker maintains the stream sessions between the gateway and the
// upstream MQTT broker, one per sensor network client.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gorilla/websocket"
)

const (
	NetworkTCP = "tcp"
	NetworkTLS = "tls"
	NetworkWS  = "ws"
	NetworkWSS = "wss"

	// Subprotocol is the websocket subprotocol requested from the broker.
	Subprotocol = "mqtt"

	defaultDialTimeout = 10 * time.Second
)

var (
	ErrSessionNotOpen = errors.New("broker session not open")
	ErrUnknownNetwork = errors.New("unknown broker network")
	ErrNoAddress      = errors.New("broker address not set")
)

// DialFn returns a connection to the broker.
type DialFn func(ctx context.Context) (net.Conn, error)

// PacketFn is called for each packet read from a broker session.
type PacketFn func(pk mqttpk.ControlPacket)

// CloseFn is called once when a broker session ends. err is nil if the session
// was closed by the gateway.
type CloseFn func(err error)

// Options contains the address of the upstream broker.
type Options struct {
	Address     string        `yaml:"address" json:"address" env:"ADDRESS"`                // host:port, or a ws/wss url
	Network     string        `yaml:"network" json:"network" env:"NETWORK"`                // tcp, tls, ws or wss
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT"` // default 10s
	TLSConfig   *tls.Config   `yaml:"-" json:"-"`
	Dialer      DialFn        `yaml:"-" json:"-"` // replaces network dialing when set
}

// session is a single open stream to the broker.
type session struct {
	conn   net.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

// close closes the connection, returning true if this call closed it.
func (s *session) close() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = s.conn.Close()
	return true
}

// Link holds the broker sessions for all clients, keyed on a client key.
type Link struct {
	sync.RWMutex
	sessions map[string]*session
	opts     Options
	log      *slog.Logger
	wg       sync.WaitGroup
}

// New returns a new broker link.
func New(opts Options, log *slog.Logger) *Link {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	if opts.Network == "" {
		opts.Network = NetworkTCP
	}

	if log == nil {
		log = slog.Default()
	}

	return &Link{
		sessions: map[string]*session{},
		opts:     opts,
		log:      log,
	}
}

// Address returns the address of the broker.
func (l *Link) Address() string {
	return l.opts.Address
}

// dial opens a new connection to the broker.
func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	if l.opts.Dialer != nil {
		return l.opts.Dialer(ctx)
	}

	if l.opts.Address == "" {
		return nil, ErrNoAddress
	}

	switch strings.ToLower(l.opts.Network) {
	case NetworkTCP:
		d := &net.Dialer{Timeout: l.opts.DialTimeout}
		return d.DialContext(ctx, "tcp", l.opts.Address)
	case NetworkTLS:
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: l.opts.DialTimeout},
			Config:    l.opts.TLSConfig,
		}
		return d.DialContext(ctx, "tcp", l.opts.Address)
	case NetworkWS, NetworkWSS:
		d := &websocket.Dialer{
			HandshakeTimeout: l.opts.DialTimeout,
			Subprotocols:     []string{Subprotocol},
			TLSClientConfig:  l.opts.TLSConfig,
		}

		u := l.opts.Address
		if !strings.Contains(u, "://") {
			u = strings.ToLower(l.opts.Network) + "://" + u
		}

		c, _, err := d.DialContext(ctx, u, nil)
		if err != nil {
			return nil, err
		}
		return newWsConn(c), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, l.opts.Network)
	}
}

// Open dials a new broker session for key, replacing any session already open
// for it. Packets read from the session are passed to onPacket until the
// session ends, when onClose is called.
func (l *Link) Open(ctx context.Context, key string, onPacket PacketFn, onClose CloseFn) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", l.opts.Address, err)
	}

	s := &session{conn: conn}

	l.Lock()
	old := l.sessions[key]
	l.sessions[key] = s
	l.Unlock()

	if old != nil {
		old.close()
	}

	l.wg.Add(1)
	go l.read(key, s, onPacket, onClose)

	l.log.Debug("broker session opened", "key", key, "remote", conn.RemoteAddr())
	return nil
}

// read passes packets from the session to onPacket until the session fails or
// is closed.
func (l *Link) read(key string, s *session, onPacket PacketFn, onClose CloseFn) {
	defer l.wg.Done()

	var err error
	for {
		var pk mqttpk.ControlPacket
		pk, err = mqttpk.ReadPacket(s.conn)
		if err != nil {
			break
		}

		if onPacket != nil {
			onPacket(pk)
		}
	}

	l.Lock()
	if l.sessions[key] == s {
		delete(l.sessions, key)
	}
	l.Unlock()

	if !s.close() {
		err = nil
	}

	if err != nil {
		l.log.Debug("broker session ended", "key", key, "error", err)
	}

	if onClose != nil {
		onClose(err)
	}
}

// Write writes a packet to the session for key.
func (l *Link) Write(key string, pk mqttpk.ControlPacket) error {
	l.RLock()
	s, ok := l.sessions[key]
	l.RUnlock()
	if !ok {
		return ErrSessionNotOpen
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	return pk.Write(s.conn)
}

// Has returns true if a session is open for key.
func (l *Link) Has(key string) bool {
	l.RLock()
	defer l.RUnlock()
	_, ok := l.sessions[key]
	return ok
}

// Close closes the session for key, if one is open.
func (l *Link) Close(key string) bool {
	l.Lock()
	s, ok := l.sessions[key]
	delete(l.sessions, key)
	l.Unlock()

	if !ok {
		return false
	}

	return s.close()
}

// CloseAll closes every session and waits for their readers to finish.
func (l *Link) CloseAll() {
	l.Lock()
	sessions := l.sessions
	l.sessions = map[string]*session{}
	l.Unlock()

	for _, s := range sessions {
		s.close()
	}

	l.wg.Wait()
}

// Len returns the number of open sessions.
func (l *Link) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.sessions)
}
