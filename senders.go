// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"context"
	"sync/atomic"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mochi-mqtt/sngateway/broker"
	"github.com/mochi-mqtt/sngateway/mempool"
	"github.com/mochi-mqtt/sngateway/packets"
)

// clientSend writes queued packets to the sensor network until the context is done.
func (g *Gateway) clientSend(ctx context.Context) error {
	g.Log.Debug("client send task started")
	defer g.Log.Debug("client send task halted")

	for {
		ev, err := g.clientSends.Wait(ctx)
		if err != nil {
			return nil
		}
		g.sendClientEvent(ev)
	}
}

// sendClientEvent encodes the packet of an event and unicasts it to its client,
// or multicasts it if the event is a broadcast.
func (g *Gateway) sendClientEvent(ev *Event) {
	defer ev.Release()

	if ev.Packet == nil {
		return
	}

	pk := *ev.Packet
	buf := mempool.GetBuffer()
	defer mempool.PutBuffer(buf)
	if err := pk.Encode(buf); err != nil {
		g.Log.Error("failed to encode packet", "packet", packets.Name(pk.Header.Type), "error", err)
		return
	}
	b := buf.Bytes()

	var n int
	var err error
	switch {
	case ev.Type == EventBroadcast:
		n, err = g.Transport.Broadcast(b)
	case ev.Client != nil:
		n, err = g.Transport.Unicast(b, ev.Client.Addr)
	default:
		return
	}

	if err != nil {
		g.Log.Warn("failed to send packet", "packet", packets.Name(pk.Header.Type), "error", err)
		return
	}

	atomic.AddInt64(&g.Info.BytesSent, int64(n))
	atomic.AddInt64(&g.Info.PacketsSent, 1)
	g.logPacket("->", ev.Client, pk, b)
	g.hooks.OnPacketSent(ev.Client, pk, b)
}

// brokerSend writes queued packets to the broker sessions of their clients until
// the context is done.
func (g *Gateway) brokerSend(ctx context.Context) error {
	g.Log.Debug("broker send task started")
	defer g.Log.Debug("broker send task halted")

	for {
		ev, err := g.brokerSends.Wait(ctx)
		if err != nil {
			return nil
		}
		g.sendBrokerEvent(ctx, ev)
	}
}

// sendBrokerEvent writes the packet of an event to the broker session of its
// client. A CONNECT opens a new session first, and a DISCONNECT closes the
// session once written.
func (g *Gateway) sendBrokerEvent(ctx context.Context, ev *Event) {
	defer ev.Release()

	cl, msg := ev.Client, ev.Message
	if cl == nil || msg == nil {
		return
	}

	key := cl.Addr.String()
	if _, ok := msg.(*mqttpk.ConnectPacket); ok {
		if err := g.Broker.Open(ctx, key, g.onBrokerPacket(cl), g.onBrokerClose(cl)); err != nil {
			g.Log.Warn("failed to open broker session", "client", cl.ID, "error", err)
			ack := packets.New(packets.Connack)
			ack.ReturnCode = packets.CodeRejectedCongestion.Code
			g.setState(cl, StateIdle)
			g.sendToClient(cl, ack)
			return
		}
		atomic.AddInt64(&g.Info.BrokerSessions, 1)
	}

	if err := g.Broker.Write(key, msg); err != nil {
		g.Log.Warn("failed to write broker packet", "client", cl.ID, "packet", msg.String(), "error", err)
		return
	}

	g.Log.Debug("broker packet sent", "direction", "=>", "client", cl.ID, "packet", msg.String())

	if _, ok := msg.(*mqttpk.DisconnectPacket); ok {
		g.Broker.Close(key)
	}
}

// onBrokerPacket returns a callback which queues packets read from the broker
// session of a client for the packet handling task.
func (g *Gateway) onBrokerPacket(cl *Client) broker.PacketFn {
	return func(pk mqttpk.ControlPacket) {
		g.Log.Debug("broker packet received", "direction", "<=", "client", cl.ID, "packet", pk.String())
		g.inbound.Post(NewBrokerEvent(EventBrokerRecv, cl, pk))
	}
}

// onBrokerClose returns a callback which accounts for the end of the broker
// session of a client. A session lost to an error disconnects the client.
func (g *Gateway) onBrokerClose(cl *Client) broker.CloseFn {
	return func(err error) {
		atomic.AddInt64(&g.Info.BrokerSessions, -1)
		if err == nil {
			return
		}

		g.Log.Warn("broker session failed", "client", cl.ID, "error", err)
		g.inbound.Post(NewBrokerEvent(EventBrokerRecv, cl, mqttpk.NewControlPacket(mqttpk.Disconnect)))
	}
}
