// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package gateway provides an MQTT-SN gateway which translates between sensor
// network clients on UDP and an upstream MQTT broker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/jinzhu/copier"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mochi-mqtt/sngateway/broker"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/listeners"
	"github.com/mochi-mqtt/sngateway/sensornet"
	"github.com/mochi-mqtt/sngateway/system"
)

const (
	Version = "1.0.0" // the current gateway version.

	MaximumKeepAlive = 65536 // the largest keepalive accepted in configuration

	defaultMaximumClients int64 = 100
	defaultKeepAlive            = 900
	defaultMQTTVersion    byte  = 4
	defaultTickInterval         = time.Second
	defaultMulticastIP          = "225.1.1.1"
	defaultMulticastPort        = 1883
	defaultGatewayPort          = 10000
)

var (
	ErrListenerIDExists   = errors.New("listener id already exists")
	ErrInvalidGatewayID   = errors.New("gateway id must be between 1 and 255")
	ErrInvalidKeepAlive   = errors.New("keepalive must be between 0 and 65536")
	ErrInvalidMQTTVersion = errors.New("mqtt version must be 3 or 4")
	ErrClientListRequired = errors.New("client authorization requires a client list")
	ErrAlreadyServing     = errors.New("gateway is already serving")
)

// Capabilities indicates the identity and limits of the gateway.
type Capabilities struct {
	GatewayID           int    `yaml:"id" json:"id" env:"ID"`                                                        // identity in ADVERTISE and GWINFO, 1-255
	MaximumClients      int64  `yaml:"maximum_clients" json:"maximum_clients" env:"MAXIMUM_CLIENTS"`                  // capacity of the client registry
	MQTTVersion         byte   `yaml:"mqtt_version" json:"mqtt_version" env:"MQTT_VERSION"`                           // protocol version of translated CONNECT packets
	KeepAlive           int    `yaml:"keepalive" json:"keepalive" env:"KEEPALIVE"`                                    // default keepalive and ADVERTISE interval in seconds
	LoginID             string `yaml:"login_id" json:"login_id" env:"LOGIN_ID"`                                       // username sent with every broker CONNECT
	Password            string `yaml:"password" json:"password" env:"PASSWORD"`                                       // password sent with every broker CONNECT
	ClientAuthorization bool   `yaml:"client_authorization" json:"client_authorization" env:"CLIENT_AUTHORIZATION"` // only allow-listed clients may register
	ClientList          string `yaml:"client_list" json:"client_list" env:"CLIENT_LIST"`                              // path to the allow-list
}

// NewDefaultCapabilities returns the default gateway capabilities.
func NewDefaultCapabilities() *Capabilities {
	return &Capabilities{
		GatewayID:      1,
		MaximumClients: defaultMaximumClients,
		MQTTVersion:    defaultMQTTVersion,
		KeepAlive:      defaultKeepAlive,
	}
}

// RateLimit configures the ingress token buckets. A zero rate disables the limit.
type RateLimit struct {
	PerClient    float64 `yaml:"per_client" json:"per_client" env:"PER_CLIENT"`       // packets per second from each registered client
	Unassociated float64 `yaml:"unassociated" json:"unassociated" env:"UNASSOCIATED"` // packets per second shared by unregistered addresses
	Burst        int     `yaml:"burst" json:"burst" env:"BURST"`
}

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Upstream carries the broker sessions of the gateway clients.
type Upstream interface {
	Open(ctx context.Context, key string, onPacket broker.PacketFn, onClose broker.CloseFn) error
	Write(key string, pk mqttpk.ControlPacket) error
	Close(key string) bool
	CloseAll()
	Len() int
}

// Options contains configurable options for the gateway.
type Options struct {
	// Capabilities defines the gateway identity and limits.
	Capabilities *Capabilities `yaml:"gateway" json:"gateway" envPrefix:"GATEWAY_"`

	// Sensornet addresses the UDP transport.
	Sensornet sensornet.Config `yaml:"sensornet" json:"sensornet" envPrefix:"SENSORNET_"`

	// Broker addresses the upstream broker.
	Broker broker.Options `yaml:"broker" json:"broker" envPrefix:"BROKER_"`

	// RateLimit throttles inbound datagrams.
	RateLimit RateLimit `yaml:"rate_limit" json:"rate_limit" envPrefix:"RATE_LIMIT_"`

	// Listeners specifies any listeners which should be dynamically added on serve.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve.
	Hooks []HookLoadConfig `yaml:"-" json:"-"`

	// TickInterval is the longest the packet handling task waits before running
	// housekeeping such as advertisements and the client reaper.
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval" env:"TICK_INTERVAL"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the gateway default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// Transport replaces the UDP transport, usually for testing.
	Transport sensornet.Transport `yaml:"-" json:"-"`

	// Upstream replaces the broker link, usually for testing.
	Upstream Upstream `yaml:"-" json:"-"`
}

// Gateway is an MQTT-SN gateway. It should be created with gateway.New()
// in order to ensure all the internal fields are correctly populated.
type Gateway struct {
	Options     *Options             // configurable gateway options
	Listeners   *listeners.Listeners // http listeners for stats and health
	Clients     *Clients             // sensor network clients known to the gateway
	Info        *system.Info         // gateway statistics
	Log         *slog.Logger         // structured logger
	Transport   sensornet.Transport  // the sensor network transport
	Broker      Upstream             // broker sessions
	inbound     *EventQueue          // events for the packet handling task
	clientSends *EventQueue          // packets to send to the sensor network
	brokerSends *EventQueue          // packets to send to the broker
	hooks       *Hooks               // hooks for extra functionality such as persistent storage
	unassoc     *rate.Limiter        // shared limiter for unregistered addresses, ingress only
	msgID       atomic.Uint32        // message ids for gateway originated packets
	lastTick    time.Time            // packet handling task only
	lastAdvert  time.Time            // packet handling task only
	cancel      context.CancelFunc
	group       *errgroup.Group
	serving     atomic.Bool
	ready       atomic.Bool // tasks are running and the gateway is not closing
	closeOnce   sync.Once
}

// New returns a new instance of an MQTT-SN gateway. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Gateway {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	g := &Gateway{
		Options:     opts,
		Listeners:   listeners.New(),
		Clients:     NewClients(opts.Capabilities.MaximumClients),
		Info:        &system.Info{Version: Version, Started: time.Now().Unix()},
		Log:         opts.Logger,
		Transport:   opts.Transport,
		Broker:      opts.Upstream,
		inbound:     NewEventQueue(),
		clientSends: NewEventQueue(),
		brokerSends: NewEventQueue(),
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	if g.Broker == nil {
		g.Broker = broker.New(opts.Broker, opts.Logger.With("component", "broker"))
	}

	if opts.RateLimit.Unassociated > 0 {
		g.unassoc = rate.NewLimiter(rate.Limit(opts.RateLimit.Unassociated), opts.RateLimit.burst())
	}

	return g
}

// burst returns the configured bucket size, at least one.
func (r RateLimit) burst() int {
	if r.Burst < 1 {
		return 1
	}
	return r.Burst
}

// ensureDefaults ensures that the gateway starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultCapabilities()
	}

	if o.Capabilities.MaximumClients == 0 {
		o.Capabilities.MaximumClients = defaultMaximumClients
	}

	if o.Capabilities.MQTTVersion == 0 {
		o.Capabilities.MQTTVersion = defaultMQTTVersion
	}

	if o.Capabilities.KeepAlive == 0 {
		o.Capabilities.KeepAlive = defaultKeepAlive
	}

	if o.Sensornet.MulticastIP == "" {
		o.Sensornet.MulticastIP = defaultMulticastIP
	}

	if o.Sensornet.MulticastPort == 0 {
		o.Sensornet.MulticastPort = defaultMulticastPort
	}

	if o.Sensornet.GatewayPort == 0 {
		o.Sensornet.GatewayPort = defaultGatewayPort
	}

	if o.TickInterval == 0 {
		o.TickInterval = defaultTickInterval
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// Validate returns an error if the options cannot be served.
func (o *Options) Validate() error {
	c := o.Capabilities
	if c.GatewayID < 1 || c.GatewayID > math.MaxUint8 {
		return fmt.Errorf("%w: %d", ErrInvalidGatewayID, c.GatewayID)
	}

	if c.KeepAlive < 0 || c.KeepAlive > MaximumKeepAlive {
		return fmt.Errorf("%w: %d", ErrInvalidKeepAlive, c.KeepAlive)
	}

	if c.MQTTVersion != 3 && c.MQTTVersion != 4 {
		return fmt.Errorf("%w: %d", ErrInvalidMQTTVersion, c.MQTTVersion)
	}

	if c.ClientAuthorization && c.ClientList == "" {
		return ErrClientListRequired
	}

	return nil
}

// keepAlive returns the configured keepalive as carried in a packet duration.
func (g *Gateway) keepAlive() uint16 {
	if g.Options.Capabilities.KeepAlive > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(g.Options.Capabilities.KeepAlive)
}

// AddHook attaches a new Hook to the gateway. Ideally, this should be called
// before the gateway is started with g.Serve().
func (g *Gateway) AddHook(hook Hook, config any) error {
	nl := g.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: g.Options.Capabilities,
	})

	g.Log.Info("added hook", "hook", hook.ID())
	return g.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the gateway which were specified in the hooks config (usually from a config file).
func (g *Gateway) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := g.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new http listener to the gateway.
func (g *Gateway) AddListener(l listeners.Listener) error {
	if _, ok := g.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := g.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	g.Listeners.Add(l)

	g.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the gateway which were specified in the listeners config (usually from a config file).
func (g *Gateway) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf, g.Ready)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, g.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			g.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := g.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve opens the sensor network transport and starts the ingress, packet
// handling, and send tasks. It returns once the tasks are running.
func (g *Gateway) Serve() error {
	if !g.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}

	g.Log.Info("mqtt-sn gateway starting", "version", Version, "gateway_id", g.Options.Capabilities.GatewayID)
	defer g.Log.Info("mqtt-sn gateway started")

	if err := g.Options.Validate(); err != nil {
		return err
	}

	if g.Options.Capabilities.ClientAuthorization {
		if err := g.Clients.Authorize(g.Options.Capabilities.ClientList); err != nil {
			return err
		}
		g.Log.Info("client authorization enabled", "client_list", g.Options.Capabilities.ClientList)
	}

	if len(g.Options.Listeners) > 0 {
		if err := g.AddListenersFromConfig(g.Options.Listeners); err != nil {
			return err
		}
	}

	if len(g.Options.Hooks) > 0 {
		if err := g.AddHooksFromConfig(g.Options.Hooks); err != nil {
			return err
		}
	}

	if g.hooks.Provides(StoredClients, StoredSysInfo) {
		if err := g.readStore(); err != nil {
			return err
		}
	}

	if g.Transport == nil {
		t, err := sensornet.Open(g.Options.Sensornet, g.Log.With("component", "sensornet"))
		if err != nil {
			return err
		}
		g.Transport = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.group, ctx = errgroup.WithContext(ctx)

	now := time.Now()
	g.lastTick = now
	g.lastAdvert = now

	g.group.Go(func() error { return g.ingress(ctx) })
	g.group.Go(func() error { return g.dispatch(ctx) })
	g.group.Go(func() error { return g.clientSend(ctx) })
	g.group.Go(func() error { return g.brokerSend(ctx) })

	g.Listeners.ServeAll()
	g.SendAdvertise()
	g.publishSysInfo()
	g.hooks.OnStarted()
	g.ready.Store(true)

	return nil
}

// Ready indicates whether the gateway is serving and not yet closing.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Wait blocks until the gateway tasks have ended, returning the first error
// which caused a task to fail.
func (g *Gateway) Wait() error {
	if g.group == nil {
		return nil
	}
	return g.group.Wait()
}

// Close attempts to gracefully shut down the gateway, its tasks, listeners,
// broker sessions, and hooks.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.Log.Info("gracefully stopping gateway")
		g.ready.Store(false)
		if g.cancel != nil {
			g.cancel()
		}

		if g.Transport != nil {
			_ = g.Transport.Close()
		}

		err = g.Wait()
		g.Broker.CloseAll()
		g.Listeners.CloseAll()
		g.hooks.OnStopped()
		g.hooks.Stop()
		g.Log.Info("mqtt-sn gateway stopped")
	})
	return err
}

// nextMsgID returns a non-zero message id for gateway originated packets.
func (g *Gateway) nextMsgID() uint16 {
	for {
		id := uint16(g.msgID.Add(1))
		if id != 0 {
			return id
		}
	}
}

// publishSysInfo refreshes the gateway statistics and passes them to the hooks.
func (g *Gateway) publishSysInfo() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	now := time.Now().Unix()
	atomic.StoreInt64(&g.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&g.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&g.Info.Time, now)
	atomic.StoreInt64(&g.Info.Uptime, now-atomic.LoadInt64(&g.Info.Started))
	atomic.StoreInt64(&g.Info.ClientsRegistered, int64(g.Clients.Len()))
	atomic.StoreInt64(&g.Info.QueuedPackets, int64(g.inbound.Size()))
	atomic.StoreInt64(&g.Info.QueuedClientSends, int64(g.clientSends.Size()))
	atomic.StoreInt64(&g.Info.QueuedBrokerSends, int64(g.brokerSends.Size()))

	g.hooks.OnSysInfoTick(g.Info.Clone())
}

// readStore reads in any data from the persistent datastore (if applicable).
func (g *Gateway) readStore() error {
	if g.hooks.Provides(StoredClients) {
		clients, err := g.hooks.StoredClients()
		if err != nil {
			return fmt.Errorf("failed to load clients; %w", err)
		}
		g.loadClients(clients)
		g.Log.Debug("loaded clients from store", "len", len(clients))
	}

	if g.hooks.Provides(StoredSysInfo) {
		info, err := g.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load gateway info; %w", err)
		}
		g.loadSysInfo(info.Info)
		g.Log.Debug("loaded gateway info from store")
	}

	return nil
}

// loadSysInfo restores the cumulative counters from the datastore.
func (g *Gateway) loadSysInfo(v system.Info) {
	atomic.StoreInt64(&g.Info.BytesReceived, v.BytesReceived)
	atomic.StoreInt64(&g.Info.BytesSent, v.BytesSent)
	atomic.StoreInt64(&g.Info.PacketsReceived, v.PacketsReceived)
	atomic.StoreInt64(&g.Info.PacketsSent, v.PacketsSent)
	atomic.StoreInt64(&g.Info.MessagesReceived, v.MessagesReceived)
	atomic.StoreInt64(&g.Info.MessagesSent, v.MessagesSent)
	atomic.StoreInt64(&g.Info.ClientsTotal, v.ClientsTotal)
	atomic.StoreInt64(&g.Info.ClientsMaximum, v.ClientsMaximum)
}

// loadClients restores persistent sessions from the datastore. Restored clients
// are disconnected until they send a new CONNECT.
func (g *Gateway) loadClients(v []storage.Client) {
	for _, c := range v {
		if c.Clean {
			continue
		}

		addr, err := netip.ParseAddrPort(c.Remote)
		if err != nil {
			g.Log.Warn("skipping stored client with invalid address", "client", c.ID, "remote", c.Remote, "error", err)
			continue
		}

		cl := newClient(addr, c.ID, ClientFlags{Secure: c.Secure})
		if c.Created > 0 {
			cl.Created = c.Created
		}
		cl.Connect.ClientID = c.ID
		cl.Connect.Keepalive = c.Keepalive
		cl.Connect.ProtocolVersion = c.ProtocolVersion
		if err := copier.CopyWithOption(&cl.Will, &c.Will, copier.Option{DeepCopy: true}); err != nil {
			g.Log.Warn("failed to restore client will", "client", c.ID, "error", err)
		}

		for _, t := range c.Topics {
			cl.Topics.Restore(Topic{ID: t.ID, Name: t.Name})
		}

		cl.SetState(StateDisconnected)
		if err := g.Clients.Add(cl); err != nil {
			g.Log.Warn("stored client not restored", "client", c.ID, "remote", c.Remote, "error", err)
		}
	}
}

// StorageRecord returns a storable copy of a client.
func StorageRecord(cl *Client) storage.Client {
	cl.RLock()
	defer cl.RUnlock()

	rec := storage.Client{
		ID:              cl.ID,
		T:               storage.ClientKey,
		Remote:          cl.Addr.String(),
		Created:         cl.Created,
		Keepalive:       cl.Connect.Keepalive,
		ProtocolVersion: cl.Connect.ProtocolVersion,
		Clean:           cl.Connect.CleanSession,
		Secure:          cl.Secure,
	}

	_ = copier.CopyWithOption(&rec.Will, &cl.Will, copier.Option{DeepCopy: true})
	_ = copier.CopyWithOption(&rec.Topics, cl.Topics.GetAll(), copier.Option{DeepCopy: true})

	return rec
}
