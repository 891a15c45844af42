// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package persist implements the gateway storage hook methods over any
// storage.Store. Database specific hooks embed Hook and set its Store on Init.
package persist

import (
	"bytes"
	"errors"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/system"
)

// Hook keeps the persistent client sessions and system info of the gateway in
// a Store.
type Hook struct {
	gateway.HookBase
	Store storage.Store // nil until the embedding hook opens its database
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		gateway.OnSessionEstablished,
		gateway.OnTopicRegistered,
		gateway.OnDisconnect,
		gateway.OnSysInfoTick,
		gateway.OnClientExpired,
		gateway.StoredClients,
		gateway.StoredSysInfo,
	}, []byte{b})
}

// Stop closes the store.
func (h *Hook) Stop() error {
	if h.Store == nil {
		return nil
	}

	err := h.Store.Close()
	h.Store = nil
	return err
}

// open reports whether the store is available, logging if it is not.
func (h *Hook) open() bool {
	if h.Store == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return false
	}
	return true
}

// OnSessionEstablished adds a client to the store when the broker accepts its session.
func (h *Hook) OnSessionEstablished(cl *gateway.Client) {
	h.updateClient(cl)
}

// OnTopicRegistered updates the stored topic ids of a client.
func (h *Hook) OnTopicRegistered(cl *gateway.Client, _ gateway.Topic) {
	h.updateClient(cl)
}

// OnDisconnect keeps a persistent session in the store, and removes a clean one.
func (h *Hook) OnDisconnect(cl *gateway.Client, expire bool) {
	if expire {
		h.deleteClient(cl)
		return
	}

	h.updateClient(cl)
}

// OnClientExpired deletes a reaped client from the store.
func (h *Hook) OnClientExpired(cl *gateway.Client) {
	h.deleteClient(cl)
}

func (h *Hook) updateClient(cl *gateway.Client) {
	if !h.open() {
		return
	}

	in := gateway.StorageRecord(cl)
	if err := h.Store.Set(storage.ClientStoreKey(cl.ID), &in); err != nil {
		h.Log.Error("failed to store client", "error", err, "client", cl.ID)
	}
}

func (h *Hook) deleteClient(cl *gateway.Client) {
	if !h.open() {
		return
	}

	if err := h.Store.Delete(storage.ClientStoreKey(cl.ID)); err != nil {
		h.Log.Error("failed to delete client", "error", err, "client", cl.ID)
	}
}

// OnSysInfoTick stores the latest system info.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if !h.open() {
		return
	}

	in := &storage.SystemInfo{
		ID:   storage.SysInfoKey,
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	}

	if err := h.Store.Set(in.ID, in); err != nil {
		h.Log.Error("failed to store system info", "error", err)
	}
}

// StoredClients returns all stored clients. Records which cannot be decoded
// are skipped.
func (h *Hook) StoredClients() (v []storage.Client, err error) {
	if !h.open() {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.Store.Iterate(storage.ClientKey, func(value []byte) error {
		obj := storage.Client{}
		if err := obj.UnmarshalBinary(value); err != nil {
			h.Log.Warn("skipped unreadable client record", "error", err)
			return nil
		}
		v = append(v, obj)
		return nil
	})

	return v, err
}

// StoredSysInfo returns the stored system info, or an empty value if there is none.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if !h.open() {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.Store.Get(storage.SysInfoKey, &v)
	if errors.Is(err, storage.ErrNotFound) {
		return v, nil
	}

	return v, err
}
