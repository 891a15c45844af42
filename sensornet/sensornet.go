// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package sensornet provides the datagram transport between the gateway and its
// MQTT-SN clients.
package sensornet

import (
	"context"
	"errors"
	"net/netip"
)

const (
	// MaxDatagramSize is the largest datagram the transport will read.
	MaxDatagramSize = 0xFFFF
)

var (
	ErrTransportFault     = errors.New("sensor network transport fault")
	ErrInvalidPort        = errors.New("port must be greater than zero")
	ErrInvalidMulticastIP = errors.New("multicast ip is not a valid ipv4 multicast group")
	ErrTransportClosed    = errors.New("sensor network transport closed")
)

// Config contains the addressing for the sensor network transport.
type Config struct {
	MulticastIP   string `yaml:"multicast_ip" json:"multicast_ip" env:"MULTICAST_IP"`       // multicast group joined for discovery, e.g. 225.1.1.1
	MulticastPort int    `yaml:"multicast_port" json:"multicast_port" env:"MULTICAST_PORT"` // port the multicast group is bound to
	GatewayPort   int    `yaml:"gateway_port" json:"gateway_port" env:"GATEWAY_PORT"`       // unicast port clients address the gateway on
	Interface     string `yaml:"interface" json:"interface" env:"INTERFACE"`                // optional interface name to join the group on
	MulticastTTL  int    `yaml:"multicast_ttl" json:"multicast_ttl" env:"MULTICAST_TTL"`    // hop limit for broadcasts, default 1
}

// Transport sends and receives datagrams on the sensor network.
type Transport interface {
	// Receive blocks until a datagram arrives, copying it into buf and returning
	// its length and sender.
	Receive(ctx context.Context, buf []byte) (int, netip.AddrPort, error)

	// Unicast sends one datagram to addr.
	Unicast(payload []byte, addr netip.AddrPort) (int, error)

	// Broadcast sends one datagram to the multicast group.
	Broadcast(payload []byte) (int, error)

	// Close releases the sockets and unblocks any pending Receive.
	Close() error
}

// Datagram is a single datagram and its origin.
type Datagram struct {
	Data      []byte
	Addr      netip.AddrPort
	Multicast bool // arrived on, or was sent to, the multicast group
}
