// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"errors"
	"sync"
	"testing"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/packets"
	"github.com/mochi-mqtt/sngateway/system"
)

var errTestHook = errors.New("error")

// modifiedHookBase provides every method and records what it was called with.
type modifiedHookBase struct {
	HookBase
	sync.Mutex
	err    error
	fail   bool
	calls  map[string]int
	topics []Topic
}

func (h *modifiedHookBase) ID() string {
	return "modified"
}

func (h *modifiedHookBase) Init(config any) error {
	if config != nil {
		return errTestHook
	}
	h.calls = map[string]int{}
	return nil
}

func (h *modifiedHookBase) Provides(b byte) bool {
	return true
}

func (h *modifiedHookBase) Stop() error {
	if h.fail {
		return errTestHook
	}
	return nil
}

func (h *modifiedHookBase) called(name string) {
	h.Lock()
	defer h.Unlock()
	h.calls[name]++
}

func (h *modifiedHookBase) count(name string) int {
	h.Lock()
	defer h.Unlock()
	return h.calls[name]
}

func (h *modifiedHookBase) OnStarted() { h.called("OnStarted") }
func (h *modifiedHookBase) OnStopped() { h.called("OnStopped") }
func (h *modifiedHookBase) OnSysInfoTick(*system.Info) { h.called("OnSysInfoTick") }
func (h *modifiedHookBase) OnClientCreated(*Client) { h.called("OnClientCreated") }
func (h *modifiedHookBase) OnSessionEstablished(*Client) { h.called("OnSessionEstablished") }
func (h *modifiedHookBase) OnClientExpired(*Client) { h.called("OnClientExpired") }

func (h *modifiedHookBase) OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) {
	h.called("OnPacketRead")
	if h.fail {
		if h.err != nil {
			return pk, h.err
		}
		return pk, errTestHook
	}
	pk.ClientID = "modified"
	return pk, nil
}

func (h *modifiedHookBase) OnPacketSent(*Client, packets.Packet, []byte) {
	h.called("OnPacketSent")
}

func (h *modifiedHookBase) OnConnectForwarded(*Client, *mqttpk.ConnectPacket) {
	h.called("OnConnectForwarded")
}

func (h *modifiedHookBase) OnTopicRegistered(_ *Client, topic Topic) {
	h.called("OnTopicRegistered")
	h.Lock()
	h.topics = append(h.topics, topic)
	h.Unlock()
}

func (h *modifiedHookBase) OnDisconnect(*Client, bool) {
	h.called("OnDisconnect")
}

func (h *modifiedHookBase) StoredClients() ([]storage.Client, error) {
	if h.fail {
		return nil, errTestHook
	}
	return []storage.Client{{ID: "cl1"}, {ID: "cl2"}}, nil
}

func (h *modifiedHookBase) StoredSysInfo() (storage.SystemInfo, error) {
	if h.fail {
		return storage.SystemInfo{}, errTestHook
	}
	return storage.SystemInfo{Info: system.Info{Version: "2.0.0"}}, nil
}

func newHooks(t *testing.T) (*Hooks, *modifiedHookBase) {
	h := &Hooks{Log: logger}
	m := new(modifiedHookBase)
	require.NoError(t, h.Add(m, nil))
	return h, m
}

func TestHooksAdd(t *testing.T) {
	h := &Hooks{Log: logger}
	require.NoError(t, h.Add(new(HookBase), nil))
	require.Equal(t, int64(1), h.Len())
	require.Len(t, h.GetAll(), 1)
}

func TestHooksAddInitFailure(t *testing.T) {
	h := &Hooks{Log: logger}
	err := h.Add(new(modifiedHookBase), map[string]any{})
	require.ErrorIs(t, err, errTestHook)
	require.Equal(t, int64(0), h.Len())
}

func TestHooksGetAllEmpty(t *testing.T) {
	h := &Hooks{Log: logger}
	require.Empty(t, h.GetAll())
}

func TestHooksProvides(t *testing.T) {
	h := &Hooks{Log: logger}
	require.NoError(t, h.Add(new(HookBase), nil))
	require.False(t, h.Provides(OnPacketRead, StoredClients))

	require.NoError(t, h.Add(new(modifiedHookBase), nil))
	require.True(t, h.Provides(OnPacketRead, StoredClients))
}

func TestHooksStop(t *testing.T) {
	h, m := newHooks(t)
	m.fail = true
	h.Stop()
	require.Equal(t, int64(0), h.Len())
	require.Empty(t, h.GetAll())
}

func TestHooksGetAllSnapshot(t *testing.T) {
	h, _ := newHooks(t)
	all := h.GetAll()
	all[0] = nil
	require.NotNil(t, h.GetAll()[0])
}

func TestHooksOnPacketRead(t *testing.T) {
	h, m := newHooks(t)
	pk, err := h.OnPacketRead(nil, packets.New(packets.Connect))
	require.NoError(t, err)
	require.Equal(t, "modified", pk.ClientID)
	require.Equal(t, 1, m.count("OnPacketRead"))
}

func TestHooksOnPacketReadOtherErrorSkipped(t *testing.T) {
	h, m := newHooks(t)
	m.fail = true
	in := packets.New(packets.Connect)
	in.ClientID = "original"
	pk, err := h.OnPacketRead(nil, in)
	require.NoError(t, err)
	require.Equal(t, "original", pk.ClientID)
}

func TestHooksOnPacketReadRejected(t *testing.T) {
	h, m := newHooks(t)
	m.fail = true
	m.err = ErrRejectPacket
	in := packets.New(packets.Connect)
	in.ClientID = "original"
	pk, err := h.OnPacketRead(nil, in)
	require.ErrorIs(t, err, ErrRejectPacket)
	require.Equal(t, "original", pk.ClientID)
}

func TestHooksDispatch(t *testing.T) {
	h, m := newHooks(t)
	cl := newClient(remote1, "a", ClientFlags{})

	h.OnStarted()
	h.OnStopped()
	h.OnSysInfoTick(new(system.Info))
	h.OnClientCreated(cl)
	h.OnPacketSent(cl, packets.New(packets.Pingresp), []byte{2, 0x17})
	h.OnConnectForwarded(cl, mqttpk.NewControlPacket(mqttpk.Connect).(*mqttpk.ConnectPacket))
	h.OnSessionEstablished(cl)
	h.OnTopicRegistered(cl, Topic{ID: 1, Name: "a"})
	h.OnDisconnect(cl, true)
	h.OnClientExpired(cl)

	for _, name := range []string{
		"OnStarted", "OnStopped", "OnSysInfoTick", "OnClientCreated", "OnPacketSent",
		"OnConnectForwarded", "OnSessionEstablished", "OnTopicRegistered",
		"OnDisconnect", "OnClientExpired",
	} {
		require.Equal(t, 1, m.count(name), name)
	}
	require.Equal(t, []Topic{{ID: 1, Name: "a"}}, m.topics)
}

func TestHooksStoredClients(t *testing.T) {
	h, _ := newHooks(t)
	v, err := h.StoredClients()
	require.NoError(t, err)
	require.Len(t, v, 2)
}

func TestHooksStoredClientsError(t *testing.T) {
	h, m := newHooks(t)
	m.fail = true
	_, err := h.StoredClients()
	require.ErrorIs(t, err, errTestHook)
}

func TestHooksStoredSysInfo(t *testing.T) {
	h, _ := newHooks(t)
	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "2.0.0", v.Version)
}

func TestHooksStoredSysInfoError(t *testing.T) {
	h, m := newHooks(t)
	m.fail = true
	_, err := h.StoredSysInfo()
	require.ErrorIs(t, err, errTestHook)
}

func TestHookBaseDefaults(t *testing.T) {
	h := new(HookBase)
	require.Equal(t, "base", h.ID())
	require.False(t, h.Provides(OnPacketRead))
	require.NoError(t, h.Init(nil))
	require.NoError(t, h.Stop())

	h.SetOpts(logger, &HookOptions{Capabilities: NewDefaultCapabilities()})
	require.NotNil(t, h.Log)
	require.NotNil(t, h.Opts)

	pk, err := h.OnPacketRead(nil, packets.New(packets.Pingreq))
	require.NoError(t, err)
	require.Equal(t, packets.Pingreq, pk.Header.Type)

	v, err := h.StoredClients()
	require.NoError(t, err)
	require.Empty(t, v)

	s, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Empty(t, s.Version)
}
