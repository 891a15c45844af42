// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	xh "github.com/cespare/xxhash/v2"
	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/mochi-mqtt/sngateway/auth"
	"github.com/mochi-mqtt/sngateway/packets"
)

const (
	clientShards = 32 // number of registry shards, must be a power of two
)

var (
	ErrMaximumClients  = errors.New("maximum clients reached")
	ErrNotAuthorized   = errors.New("client is not in the allow-list")
	ErrClientExists    = errors.New("a client is already registered for this address")
	ErrAuthorizeFailed = errors.New("unable to load client allow-list")
)

// SessionState is the position of a client in the connection handshake.
type SessionState uint32

const (
	StateIdle SessionState = iota
	StateAwaitingWillTopic
	StateAwaitingWillMsg
	StateConnectForwarded
	StateConnected
	StateDisconnected
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateAwaitingWillTopic: "awaiting-will-topic",
	StateAwaitingWillMsg:   "awaiting-will-msg",
	StateConnectForwarded:  "connect-forwarded",
	StateConnected:         "connected",
	StateDisconnected:      "disconnected",
}

// String returns the name of the state.
func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ConnectState holds the values negotiated for the broker CONNECT while the
// handshake is in progress.
type ConnectState struct {
	Type            byte   // the packet type being negotiated
	ClientID        string // the client id sent to the broker
	ProtocolVersion byte   // the broker protocol version
	Keepalive       uint16 // keepalive in seconds
	Will            bool
	CleanSession    bool
	Username        bool
	Password        bool
	WillQos         byte
	WillRetain      bool
	WillTopic       string
	WillMessage     []byte
}

// Will contains the last will a client registered during its handshake.
type Will struct {
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Qos     byte   `json:"qos"`
	Retain  bool   `json:"retain,omitempty"`
}

// ClientFlags contains the properties a client is created with.
type ClientFlags struct {
	Secure bool // the client is on a secure network
}

// Client is a sensor network client known to the gateway.
type Client struct {
	sync.RWMutex
	ID              string         // the client identifier
	Addr            netip.AddrPort // the sensor network address the client sends from
	Secure          bool           // the client is on a secure network
	Created         int64          // unix time the client was registered
	Connect         ConnectState   // values for the broker CONNECT, guarded by the mutex
	Will            Will           // the will registered with the broker, guarded by the mutex
	Topics          *Topics        // topic ids registered by the client
	PubWaits        *TopicIDWaits  // publishes waiting on a broker ack
	SubWaits        *TopicIDWaits  // subscriptions waiting on a broker ack
	state           atomic.Uint32
	waitingWillMsg  atomic.Bool
	connectSendable atomic.Bool
	lastSeen        atomic.Int64
	limiter         *rate.Limiter // only accessed by the ingress goroutine
}

// newClient returns a new client for addr.
func newClient(addr netip.AddrPort, id string, flags ClientFlags) *Client {
	now := time.Now().Unix()
	cl := &Client{
		ID:       id,
		Addr:     addr,
		Secure:   flags.Secure,
		Created:  now,
		Topics:   NewTopics(),
		PubWaits: NewTopicIDWaits(),
		SubWaits: NewTopicIDWaits(),
	}
	cl.lastSeen.Store(now)
	return cl
}

// State returns the handshake state of the client.
func (cl *Client) State() SessionState {
	return SessionState(cl.state.Load())
}

// SetState sets the handshake state of the client.
func (cl *Client) SetState(s SessionState) {
	cl.state.Store(uint32(s))
}

// WaitingWillMsg returns true if the client has been asked for its will message.
func (cl *Client) WaitingWillMsg() bool {
	return cl.waitingWillMsg.Load()
}

// ConnectSendable returns true if a broker CONNECT is pending for the client
// and has not yet been forwarded.
func (cl *Client) ConnectSendable() bool {
	return cl.connectSendable.Load()
}

// ResetConnect zeroes the connect state ahead of a new negotiation.
func (cl *Client) ResetConnect() {
	cl.Lock()
	cl.Connect = ConnectState{Type: packets.Connect}
	cl.Unlock()
	cl.waitingWillMsg.Store(false)
	cl.connectSendable.Store(true)
}

// awaitWillMsg marks the client as waiting for its will message.
func (cl *Client) awaitWillMsg() {
	cl.waitingWillMsg.Store(true)
}

// claimConnect clears the pending broker CONNECT, returning true only for the
// caller which cleared it.
func (cl *Client) claimConnect() bool {
	if !cl.connectSendable.CompareAndSwap(true, false) {
		return false
	}
	cl.waitingWillMsg.Store(false)
	return true
}

// ResetTopics discards the topic table and any pending topic id waits.
func (cl *Client) ResetTopics() {
	cl.Lock()
	cl.Topics = NewTopics()
	cl.Unlock()
	cl.PubWaits.Clear()
	cl.SubWaits.Clear()
}

// TopicTable returns the current topic table.
func (cl *Client) TopicTable() *Topics {
	cl.RLock()
	defer cl.RUnlock()
	return cl.Topics
}

// Touch records activity from the client.
func (cl *Client) Touch() {
	cl.lastSeen.Store(time.Now().Unix())
}

// LastSeen returns the unix time of the last activity from the client.
func (cl *Client) LastSeen() int64 {
	return cl.lastSeen.Load()
}

// Keepalive returns the negotiated keepalive, or fallback if none was negotiated.
func (cl *Client) Keepalive(fallback uint16) uint16 {
	cl.RLock()
	defer cl.RUnlock()
	if cl.Connect.Keepalive == 0 {
		return fallback
	}
	return cl.Connect.Keepalive
}

// CleanSession returns true if the client asked for a clean session.
func (cl *Client) CleanSession() bool {
	cl.RLock()
	defer cl.RUnlock()
	return cl.Connect.CleanSession
}

// Expired returns true if the client has been silent for one and a half keepalive periods.
func (cl *Client) Expired(now int64, fallback uint16) bool {
	ka := int64(cl.Keepalive(fallback))
	return cl.LastSeen()+ka+ka/2 < now
}

// clientShard is a portion of the registry guarded by its own lock.
type clientShard struct {
	internal map[netip.AddrPort]*Client
	sync.RWMutex
}

// Clients is the registry of clients keyed on sensor network address.
type Clients struct {
	shards     [clientShards]clientShard
	create     sync.Mutex // serializes registration so the maximum cannot be overshot
	count      atomic.Int64
	maximum    int64
	ledger     atomic.Pointer[auth.Ledger]
	authorized atomic.Bool
}

// NewClients returns a new registry which will hold at most maximum clients.
func NewClients(maximum int64) *Clients {
	c := &Clients{
		maximum: maximum,
	}

	for i := range c.shards {
		c.shards[i].internal = map[netip.AddrPort]*Client{}
	}

	return c
}

// normalize unmaps ipv4-in-ipv6 addresses so both forms resolve to one client.
func normalize(addr netip.AddrPort) netip.AddrPort {
	if addr.Addr().Is4In6() {
		return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	return addr
}

// shard returns the shard responsible for an address.
func (c *Clients) shard(addr netip.AddrPort) *clientShard {
	a := addr.Addr().As16()
	h := xh.Sum64(a[:]) ^ uint64(addr.Port())
	return &c.shards[h&(clientShards-1)]
}

// Get returns the client registered for an address.
func (c *Clients) Get(addr netip.AddrPort) (*Client, bool) {
	addr = normalize(addr)
	s := c.shard(addr)
	s.RLock()
	defer s.RUnlock()
	cl, ok := s.internal[addr]
	return cl, ok
}

// Create registers a new client for an address. It fails if the registry is full
// or, when authorization is enabled, if the id and address are not allow-listed.
// An empty id is replaced with a generated one.
func (c *Clients) Create(addr netip.AddrPort, id string, flags ClientFlags) (*Client, error) {
	addr = normalize(addr)

	c.create.Lock()
	defer c.create.Unlock()

	if err := c.vacant(addr); err != nil {
		return nil, err
	}

	if c.authorized.Load() {
		rule, ok := c.ledger.Load().Allowed(id, addr)
		if !ok {
			return nil, ErrNotAuthorized
		}
		flags.Secure = flags.Secure || rule.Secure
	}

	if id == "" {
		id = xid.New().String()
	}

	cl := newClient(addr, id, flags)
	c.insert(cl)
	return cl, nil
}

// Add registers an existing client, such as one restored from a store. It
// enforces the maximum but not the allow-list.
func (c *Clients) Add(cl *Client) error {
	cl.Addr = normalize(cl.Addr)

	c.create.Lock()
	defer c.create.Unlock()

	if err := c.vacant(cl.Addr); err != nil {
		return err
	}

	c.insert(cl)
	return nil
}

// Readmit registers a client again after it was removed from the registry,
// applying the same maximum and allow-list checks as Create.
func (c *Clients) Readmit(cl *Client) error {
	c.create.Lock()
	defer c.create.Unlock()

	if err := c.vacant(cl.Addr); err != nil {
		return err
	}

	if c.authorized.Load() {
		if _, ok := c.ledger.Load().Allowed(cl.ID, cl.Addr); !ok {
			return ErrNotAuthorized
		}
	}

	c.insert(cl)
	return nil
}

// vacant returns an error if the address is taken or the registry is full. The
// create lock must be held.
func (c *Clients) vacant(addr netip.AddrPort) error {
	if _, ok := c.Get(addr); ok {
		return ErrClientExists
	}

	if c.count.Load() >= c.maximum {
		return ErrMaximumClients
	}

	return nil
}

func (c *Clients) insert(cl *Client) {
	s := c.shard(cl.Addr)
	s.Lock()
	s.internal[cl.Addr] = cl
	s.Unlock()
	c.count.Add(1)
}

// Delete removes the client registered for an address.
func (c *Clients) Delete(addr netip.AddrPort) bool {
	addr = normalize(addr)
	s := c.shard(addr)
	s.Lock()
	defer s.Unlock()
	if _, ok := s.internal[addr]; !ok {
		return false
	}
	delete(s.internal, addr)
	c.count.Add(-1)
	return true
}

// GetAll returns all registered clients.
func (c *Clients) GetAll() []*Client {
	out := make([]*Client, 0, c.Len())
	for i := range c.shards {
		s := &c.shards[i]
		s.RLock()
		for _, cl := range s.internal {
			out = append(out, cl)
		}
		s.RUnlock()
	}
	return out
}

// GetByID returns the client registered with an id.
func (c *Clients) GetByID(id string) (*Client, bool) {
	for _, cl := range c.GetAll() {
		if cl.ID == id {
			return cl, true
		}
	}
	return nil, false
}

// Len returns the number of registered clients.
func (c *Clients) Len() int {
	return int(c.count.Load())
}

// Maximum returns the capacity of the registry.
func (c *Clients) Maximum() int64 {
	return c.maximum
}

// Authorize loads the allow-list at path and enables authorization.
func (c *Clients) Authorize(path string) error {
	l, err := auth.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorizeFailed, err)
	}
	c.SetLedger(l)
	return nil
}

// SetLedger enables authorization against an existing allow-list.
func (c *Clients) SetLedger(l *auth.Ledger) {
	c.ledger.Store(l)
	c.authorized.Store(l != nil)
}

// Authorized returns true if registration is gated by an allow-list.
func (c *Clients) Authorized() bool {
	return c.authorized.Load()
}
