// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package bolt

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/system"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func newClient(id string) *gateway.Client {
	cl := &gateway.Client{
		ID:     id,
		Addr:   netip.MustParseAddrPort("192.168.1.10:5000"),
		Secure: true,
		Topics: gateway.NewTopics(),
		Connect: gateway.ConnectState{
			Keepalive: 60,
		},
	}
	_, _, _ = cl.Topics.Add("sensors/1")
	return cl
}

func newHook(t *testing.T) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: filepath.Join(t.TempDir(), "bolt.db")}))
	t.Cleanup(func() {
		_ = h.Stop()
	})
	return h
}

func TestID(t *testing.T) {
	require.Equal(t, "bolt-db", new(Hook).ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(gateway.OnSessionEstablished))
	require.True(t, h.Provides(gateway.StoredClients))
	require.False(t, h.Provides(gateway.OnPacketSent))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.ErrorIs(t, h.Init(map[string]any{}), gateway.ErrInvalidConfigType)
}

func TestInitUseDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(nil))
	defer h.Stop()

	require.Equal(t, defaultDbFile, h.config.Path)
	require.Equal(t, defaultBucket, h.config.Bucket)
	require.Equal(t, defaultTimeout, h.config.Options.Timeout)
	require.NotNil(t, h.Store)
}

func TestInitBadPath(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{Path: filepath.Join(t.TempDir(), "missing", "dir", "bolt.db")})
	require.Error(t, err)
	require.Nil(t, h.Store)
}

func TestInitCustomBucket(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{
		Path:    filepath.Join(t.TempDir(), "bolt.db"),
		Bucket:  "sessions",
		Options: &bbolt.Options{},
	}))
	defer h.Stop()
	require.Equal(t, []byte("sessions"), h.Store.(*Store).bucket)
}

func TestStoreSetGetDelete(t *testing.T) {
	h := newHook(t)
	s := h.Store

	in := storage.Client{ID: "cl1", T: storage.ClientKey, Remote: "10.0.0.1:1"}
	require.NoError(t, s.Set(storage.ClientStoreKey("cl1"), &in))

	out := storage.Client{}
	require.NoError(t, s.Get(storage.ClientStoreKey("cl1"), &out))
	require.Equal(t, in, out)

	require.NoError(t, s.Delete(storage.ClientStoreKey("cl1")))
	require.ErrorIs(t, s.Get(storage.ClientStoreKey("cl1"), &out), storage.ErrNotFound)
}

func TestStoreIterate(t *testing.T) {
	h := newHook(t)
	s := h.Store

	require.NoError(t, s.Set(storage.ClientStoreKey("b"), &storage.Client{ID: "b"}))
	require.NoError(t, s.Set(storage.ClientStoreKey("a"), &storage.Client{ID: "a"}))
	require.NoError(t, s.Set(storage.SysInfoKey, &storage.SystemInfo{ID: storage.SysInfoKey}))

	var ids []string
	err := s.Iterate(storage.ClientKey, func(v []byte) error {
		cl := storage.Client{}
		require.NoError(t, cl.UnmarshalBinary(v))
		ids = append(ids, cl.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestStoreIterateError(t *testing.T) {
	h := newHook(t)
	require.NoError(t, h.Store.Set(storage.ClientStoreKey("a"), &storage.Client{ID: "a"}))

	err := h.Store.Iterate(storage.ClientKey, func(v []byte) error {
		return storage.ErrNotFound
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHook(t)
	cl := newClient("sensor-1")

	h.OnSessionEstablished(cl)
	h.OnSysInfoTick(&system.Info{Version: "2.0.0", ClientsTotal: 3})

	clients, err := h.StoredClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "sensor-1", clients[0].ID)
	require.Equal(t, "192.168.1.10:5000", clients[0].Remote)
	require.Equal(t, []storage.Topic{{ID: 1, Name: "sensors/1"}}, clients[0].Topics)

	info, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, int64(3), info.ClientsTotal)

	h.OnDisconnect(cl, true)
	clients, err = h.StoredClients()
	require.NoError(t, err)
	require.Empty(t, clients)
}

func TestReopenRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bolt.db")
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: path}))
	h.OnDisconnect(newClient("sensor-1"), false)
	require.NoError(t, h.Stop())

	h = new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: path}))
	defer h.Stop()

	clients, err := h.StoredClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.True(t, clients[0].Secure)
}

func TestStopTwice(t *testing.T) {
	h := newHook(t)
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())

	_, err := h.StoredClients()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
}
