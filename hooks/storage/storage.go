// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package storage defines the records persisted by the gateway storage hooks
// and the key-value interface their databases satisfy.
package storage

import (
	"encoding/json"
	"errors"

	"github.com/mochi-mqtt/sngateway/system"
)

const (
	SysInfoKey = "SYS" // unique key to denote gateway system information in a store
	ClientKey  = "CL"  // unique key to denote clients in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")

	// ErrNotFound is returned by a Store when a key holds no value.
	ErrNotFound = errors.New("key not found")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Store is a key-value database holding gateway records. Keys are a record
// type prefix, optionally followed by an underscore and the record id.
type Store interface {
	Set(key string, v Serializable) error
	Get(key string, v Serializable) error // ErrNotFound if the key is absent
	Delete(key string) error
	Iterate(prefix string, visit func(value []byte) error) error
	Close() error
}

// ClientStoreKey returns the store key of a client id.
func ClientStoreKey(id string) string {
	return ClientKey + "_" + id
}

// Client is a storable representation of an MQTT-SN client session.
type Client struct {
	Will            ClientWill `json:"will"`                // will topic and payload data if applicable
	Topics          []Topic    `json:"topics,omitempty"`    // the topic ids registered by the client
	ID              string     `json:"id" storm:"id"`       // the client id / storage key
	T               string     `json:"t"`                   // the data type (client)
	Remote          string     `json:"remote"`              // the sensor network address of the client
	Created         int64      `json:"created,omitempty"`   // the time the client was first registered
	Keepalive       uint16     `json:"keepalive,omitempty"` // the negotiated keepalive in seconds
	ProtocolVersion byte       `json:"protocolVersion"`     // the broker protocol version used for the client
	Clean           bool       `json:"clean"`               // if the client requested a clean session
	Secure          bool       `json:"secure,omitempty"`    // if the client is on a secure network
}

// ClientWill contains the will a client registered during its handshake.
type ClientWill struct {
	Payload []byte `json:"payload,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Qos     byte   `json:"qos,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

// Topic is a topic id registration.
type Topic struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

// MarshalBinary encodes the values into a json string.
func (d Client) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Client) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// SystemInfo is a storable representation of the system information values.
type SystemInfo struct {
	system.Info        // embed the system info struct
	T           string `json:"t"`             // the data type
	ID          string `json:"id" storm:"id"` // the storage key
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
