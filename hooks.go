// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/packets"
	"github.com/mochi-mqtt/sngateway/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnClientCreated
	OnPacketRead
	OnPacketSent
	OnConnectForwarded
	OnSessionEstablished
	OnTopicRegistered
	OnDisconnect
	OnClientExpired
	StoredClients
	StoredSysInfo
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")

	// ErrRejectPacket may be returned by OnPacketRead to discard a packet.
	ErrRejectPacket = errors.New("packet rejected")
)

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the gateway.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnClientCreated(cl *Client)
	OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) // triggers when a datagram has been decoded, cl is nil for unassociated senders
	OnPacketSent(cl *Client, pk packets.Packet, b []byte)               // triggers when packet bytes have been written to the sensor network
	OnConnectForwarded(cl *Client, pk *mqttpk.ConnectPacket)            // triggers when a broker CONNECT has been queued for a client
	OnSessionEstablished(cl *Client)
	OnTopicRegistered(cl *Client, topic Topic)
	OnDisconnect(cl *Client, expire bool)
	OnClientExpired(cl *Client)
	StoredClients() ([]storage.Client, error)
	StoredSysInfo() (storage.SystemInfo, error)
}

// HookOptions contains values which are inherited from the gateway on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks holds the attached hooks, which are called in the order they were added.
type Hooks struct {
	Log  *slog.Logger // a logger for the hook (from the gateway)
	mu   sync.RWMutex
	list []Hook
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.list))
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		if slices.ContainsFunc(b, hook.Provides) {
			return true
		}
	}
	return false
}

// Add initializes a hook and attaches it. A hook which fails to initialise is
// not attached.
func (h *Hooks) Add(hook Hook, config any) error {
	if err := hook.Init(config); err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	h.mu.Lock()
	h.list = append(h.list, hook)
	h.mu.Unlock()
	return nil
}

// GetAll returns a snapshot of the attached hooks.
func (h *Hooks) GetAll() []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.list)
}

// Stop stops each attached hook in turn and detaches them all.
func (h *Hooks) Stop() {
	h.mu.Lock()
	list := h.list
	h.list = nil
	h.mu.Unlock()

	for _, hook := range list {
		h.Log.Info("stopping hook", "hook", hook.ID())
		if err := hook.Stop(); err != nil {
			h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
		}
	}
}

// each calls fn for every hook which provides method.
func (h *Hooks) each(method byte, fn func(Hook)) {
	for _, hook := range h.GetAll() {
		if hook.Provides(method) {
			fn(hook)
		}
	}
}

// OnSysInfoTick is called when the system info values are refreshed.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	h.each(OnSysInfoTick, func(hook Hook) { hook.OnSysInfoTick(sys) })
}

// OnStarted is called when the gateway has successfully started.
func (h *Hooks) OnStarted() {
	h.each(OnStarted, func(hook Hook) { hook.OnStarted() })
}

// OnStopped is called when the gateway has successfully stopped.
func (h *Hooks) OnStopped() {
	h.each(OnStopped, func(hook Hook) { hook.OnStopped() })
}

// OnClientCreated is called when a client is added to the registry.
func (h *Hooks) OnClientCreated(cl *Client) {
	h.each(OnClientCreated, func(hook Hook) { hook.OnClientCreated(cl) })
}

// OnPacketRead is called when a packet is received from the sensor network. Each
// hook sees the packet as modified by the hooks before it. Errors other than
// ErrRejectPacket leave the packet unchanged.
func (h *Hooks) OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) {
	out := pk
	for _, hook := range h.GetAll() {
		if !hook.Provides(OnPacketRead) {
			continue
		}

		npk, err := hook.OnPacketRead(cl, out)
		switch {
		case errors.Is(err, ErrRejectPacket):
			h.Log.Debug("packet rejected", "hook", hook.ID(), "packet", out.String())
			return pk, err
		case err == nil:
			out = npk
		}
	}

	return out, nil
}

// OnPacketSent is called when a packet has been sent to the sensor network. It takes
// a bytes parameter containing the bytes sent. cl is nil for broadcasts.
func (h *Hooks) OnPacketSent(cl *Client, pk packets.Packet, b []byte) {
	h.each(OnPacketSent, func(hook Hook) { hook.OnPacketSent(cl, pk, b) })
}

// OnConnectForwarded is called when the handshake completes and a broker CONNECT is queued.
func (h *Hooks) OnConnectForwarded(cl *Client, pk *mqttpk.ConnectPacket) {
	h.each(OnConnectForwarded, func(hook Hook) { hook.OnConnectForwarded(cl, pk) })
}

// OnSessionEstablished is called when the broker accepts the CONNECT of a client.
func (h *Hooks) OnSessionEstablished(cl *Client) {
	h.each(OnSessionEstablished, func(hook Hook) { hook.OnSessionEstablished(cl) })
}

// OnTopicRegistered is called when a topic id is assigned for a client.
func (h *Hooks) OnTopicRegistered(cl *Client, topic Topic) {
	h.each(OnTopicRegistered, func(hook Hook) { hook.OnTopicRegistered(cl, topic) })
}

// OnDisconnect is called when a client disconnects. expire indicates the session
// will not be resumed.
func (h *Hooks) OnDisconnect(cl *Client, expire bool) {
	h.each(OnDisconnect, func(hook Hook) { hook.OnDisconnect(cl, expire) })
}

// OnClientExpired is called when a client is removed from the registry by the reaper.
func (h *Hooks) OnClientExpired(cl *Client) {
	h.each(OnClientExpired, func(hook Hook) { hook.OnClientExpired(cl) })
}

// StoredClients returns the clients of the first store hook which holds any, and
// is used to populate the registry before start.
func (h *Hooks) StoredClients() ([]storage.Client, error) {
	for _, hook := range h.GetAll() {
		if !hook.Provides(StoredClients) {
			continue
		}

		v, err := hook.StoredClients()
		if err != nil {
			h.Log.Error("failed to load clients", "error", err, "hook", hook.ID())
			return nil, err
		}
		if len(v) > 0 {
			return v, nil
		}
	}

	return nil, nil
}

// StoredSysInfo returns the system info of the first store hook which holds any.
func (h *Hooks) StoredSysInfo() (storage.SystemInfo, error) {
	for _, hook := range h.GetAll() {
		if !hook.Provides(StoredSysInfo) {
			continue
		}

		v, err := hook.StoredSysInfo()
		if err != nil {
			h.Log.Error("failed to load system info", "error", err, "hook", hook.ID())
			return storage.SystemInfo{}, err
		}
		if v.Version != "" {
			return v, nil
		}
	}

	return storage.SystemInfo{}, nil
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the gateway to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the gateway starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the gateway stops.
func (h *HookBase) OnStopped() {}

// OnSysInfoTick is called when the gateway refreshes system info.
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnClientCreated is called when a client is registered.
func (h *HookBase) OnClientCreated(cl *Client) {}

// OnPacketRead is called when a packet is received.
func (h *HookBase) OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) {
	return pk, nil
}

// OnPacketSent is called immediately after a packet is written to the sensor network.
func (h *HookBase) OnPacketSent(cl *Client, pk packets.Packet, b []byte) {}

// OnConnectForwarded is called when a broker CONNECT is queued for a client.
func (h *HookBase) OnConnectForwarded(cl *Client, pk *mqttpk.ConnectPacket) {}

// OnSessionEstablished is called when the broker accepts a client.
func (h *HookBase) OnSessionEstablished(cl *Client) {}

// OnTopicRegistered is called when a topic id is assigned for a client.
func (h *HookBase) OnTopicRegistered(cl *Client, topic Topic) {}

// OnDisconnect is called when a client disconnects.
func (h *HookBase) OnDisconnect(cl *Client, expire bool) {}

// OnClientExpired is called when a client is removed by the reaper.
func (h *HookBase) OnClientExpired(cl *Client) {}

// StoredClients returns all clients from a store.
func (h *HookBase) StoredClients() (v []storage.Client, err error) {
	return
}

// StoredSysInfo returns a set of system info values.
func (h *HookBase) StoredSysInfo() (v storage.SystemInfo, err error) {
	return
}
