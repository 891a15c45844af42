// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package persist

import (
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/system"
)

var (
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	errTestStore = errors.New("test store failure")
)

type memStore struct {
	sync.Mutex
	data   map[string][]byte
	fail   bool
	closed bool
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (s *memStore) Set(key string, v storage.Serializable) error {
	s.Lock()
	defer s.Unlock()
	if s.fail {
		return errTestStore
	}

	b, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	s.data[key] = b
	return nil
}

func (s *memStore) Get(key string, v storage.Serializable) error {
	s.Lock()
	defer s.Unlock()
	if s.fail {
		return errTestStore
	}

	b, ok := s.data[key]
	if !ok {
		return storage.ErrNotFound
	}
	return v.UnmarshalBinary(b)
}

func (s *memStore) Delete(key string) error {
	s.Lock()
	defer s.Unlock()
	if s.fail {
		return errTestStore
	}

	delete(s.data, key)
	return nil
}

func (s *memStore) Iterate(prefix string, visit func([]byte) error) error {
	s.Lock()
	defer s.Unlock()
	if s.fail {
		return errTestStore
	}

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := visit(s.data[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Close() error {
	s.closed = true
	return nil
}

func (s *memStore) has(key string) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.data[key]
	return ok
}

func newHook() (*Hook, *memStore) {
	s := newMemStore()
	h := &Hook{Store: s}
	h.SetOpts(logger, nil)
	return h, s
}

func newClient(id string, clean bool) *gateway.Client {
	cl := &gateway.Client{
		ID:     id,
		Addr:   netip.MustParseAddrPort("10.0.0.5:5000"),
		Topics: gateway.NewTopics(),
		Connect: gateway.ConnectState{
			Keepalive:    30,
			CleanSession: clean,
		},
		Will: gateway.Will{
			Topic:   "sensors/lwt",
			Payload: []byte("gone"),
			Qos:     1,
		},
	}
	_, _, _ = cl.Topics.Add("sensors/temp")
	return cl
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(gateway.OnSessionEstablished))
	require.True(t, h.Provides(gateway.OnTopicRegistered))
	require.True(t, h.Provides(gateway.OnDisconnect))
	require.True(t, h.Provides(gateway.OnSysInfoTick))
	require.True(t, h.Provides(gateway.OnClientExpired))
	require.True(t, h.Provides(gateway.StoredClients))
	require.True(t, h.Provides(gateway.StoredSysInfo))
	require.False(t, h.Provides(gateway.OnPacketRead))
	require.False(t, h.Provides(gateway.OnConnectForwarded))
}

func TestOnSessionEstablished(t *testing.T) {
	h, s := newHook()
	cl := newClient("sensor-1", false)
	h.OnSessionEstablished(cl)

	v := storage.Client{}
	require.NoError(t, s.Get(storage.ClientStoreKey("sensor-1"), &v))
	require.Equal(t, "sensor-1", v.ID)
	require.Equal(t, storage.ClientKey, v.T)
	require.Equal(t, "10.0.0.5:5000", v.Remote)
	require.Equal(t, uint16(30), v.Keepalive)
	require.Equal(t, "sensors/lwt", v.Will.Topic)
	require.Equal(t, []byte("gone"), v.Will.Payload)
	require.Equal(t, []storage.Topic{{ID: 1, Name: "sensors/temp"}}, v.Topics)
}

func TestOnTopicRegistered(t *testing.T) {
	h, s := newHook()
	cl := newClient("sensor-1", false)
	h.OnSessionEstablished(cl)

	topic, _, err := cl.Topics.Add("sensors/humidity")
	require.NoError(t, err)
	h.OnTopicRegistered(cl, topic)

	v := storage.Client{}
	require.NoError(t, s.Get(storage.ClientStoreKey("sensor-1"), &v))
	require.Len(t, v.Topics, 2)
}

func TestOnDisconnectPersistent(t *testing.T) {
	h, s := newHook()
	cl := newClient("sensor-1", false)
	h.OnDisconnect(cl, false)
	require.True(t, s.has(storage.ClientStoreKey("sensor-1")))
}

func TestOnDisconnectClean(t *testing.T) {
	h, s := newHook()
	cl := newClient("sensor-1", true)
	h.OnSessionEstablished(cl)
	require.True(t, s.has(storage.ClientStoreKey("sensor-1")))

	h.OnDisconnect(cl, true)
	require.False(t, s.has(storage.ClientStoreKey("sensor-1")))
}

func TestOnClientExpired(t *testing.T) {
	h, s := newHook()
	cl := newClient("sensor-1", false)
	h.OnSessionEstablished(cl)
	h.OnClientExpired(cl)
	require.False(t, s.has(storage.ClientStoreKey("sensor-1")))
}

func TestStoreFailuresAreLogged(t *testing.T) {
	h, s := newHook()
	s.fail = true
	cl := newClient("sensor-1", false)

	h.OnSessionEstablished(cl)
	h.OnClientExpired(cl)
	h.OnSysInfoTick(&system.Info{Version: "test"})

	_, err := h.StoredClients()
	require.ErrorIs(t, err, errTestStore)

	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, errTestStore)
}

func TestNoStore(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	cl := newClient("sensor-1", false)

	h.OnSessionEstablished(cl)
	h.OnTopicRegistered(cl, gateway.Topic{})
	h.OnDisconnect(cl, true)
	h.OnClientExpired(cl)
	h.OnSysInfoTick(new(system.Info))

	_, err := h.StoredClients()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)

	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)

	require.NoError(t, h.Stop())
}

func TestStop(t *testing.T) {
	h, s := newHook()
	require.NoError(t, h.Stop())
	require.True(t, s.closed)
	require.Nil(t, h.Store)
}

func TestOnSysInfoTick(t *testing.T) {
	h, _ := newHook()
	h.OnSysInfoTick(&system.Info{Version: "2.0.0", BytesReceived: 10, ClientsTotal: 4})

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, storage.SysInfoKey, v.ID)
	require.Equal(t, "2.0.0", v.Version)
	require.Equal(t, int64(10), v.BytesReceived)
	require.Equal(t, int64(4), v.ClientsTotal)
}

func TestStoredSysInfoEmpty(t *testing.T) {
	h, _ := newHook()
	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, storage.SystemInfo{}, v)
}

func TestStoredClients(t *testing.T) {
	h, s := newHook()
	h.OnSessionEstablished(newClient("sensor-2", false))
	h.OnSessionEstablished(newClient("sensor-1", false))
	h.OnSysInfoTick(&system.Info{Version: "2.0.0"})
	s.data[storage.ClientStoreKey("sensor-3")] = []byte("{")

	v, err := h.StoredClients()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "sensor-1", v[0].ID)
	require.Equal(t, "sensor-2", v[1].ID)
}
