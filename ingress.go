// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/mochi-mqtt/sngateway/packets"
	"github.com/mochi-mqtt/sngateway/sensornet"
)

const (
	minimumPacketLength = 3                   // shorter datagrams are discarded
	nonActiveClient     = "non-active client" // logged in place of a client id for unassociated senders
)

// ingress reads datagrams from the sensor network until the context is done or
// the transport is closed. Receive is the only place it blocks.
func (g *Gateway) ingress(ctx context.Context) error {
	g.Log.Debug("ingress task started")
	defer g.Log.Debug("ingress task halted")

	buf := make([]byte, sensornet.MaxDatagramSize)
	for {
		n, addr, err := g.Transport.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, sensornet.ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("%w: %w", sensornet.ErrTransportFault, err)
		}

		g.receive(buf[:n], addr)
	}
}

// receive validates and classifies a datagram, resolves its client, and posts
// it to the packet handling queue.
func (g *Gateway) receive(b []byte, addr netip.AddrPort) {
	atomic.AddInt64(&g.Info.BytesReceived, int64(len(b)))

	h, err := packets.DecodeHeader(b)
	if err != nil || h.Length < minimumPacketLength {
		g.drop("short or malformed datagram", addr, b)
		return
	}

	if h.Type == packets.Advertise || h.Type == packets.GwInfo {
		g.drop("gateway originated packet type", addr, b)
		return
	}

	pk, err := packets.Decode(b)
	if err != nil {
		g.Log.Debug("malformed packet dropped", "remote", addr, "error", err, "dump", packets.Dump(b))
		atomic.AddInt64(&g.Info.PacketsDropped, 1)
		return
	}

	if pk.Header.Type == packets.SearchGw {
		if !g.allowUnassociated() {
			return
		}

		if !g.accept(nil, &pk, b) {
			return
		}

		g.inbound.Post(NewEvent(EventBroadcast, nil, &pk))
		return
	}

	cl, ok := g.Clients.Get(addr)
	if !ok {
		if !g.allowUnassociated() {
			return
		}

		if pk.Header.Type != packets.Connect {
			g.Log.Warn("packet from unassociated address dropped", "remote", addr, "packet", packets.Name(pk.Header.Type), "client", nonActiveClient)
			atomic.AddInt64(&g.Info.PacketsDropped, 1)
			return
		}

		// A CONNECT rejected by a hook must not take a registry slot, and an id
		// rewritten by a hook is the id registered.
		if !g.read(nil, &pk) {
			return
		}

		cl, err = g.Clients.Create(addr, pk.ClientID, ClientFlags{})
		if err != nil {
			g.Log.Warn("client registration rejected", "remote", addr, "client", pk.ClientID, "error", err)
			atomic.AddInt64(&g.Info.ClientsRejected, 1)
			atomic.AddInt64(&g.Info.PacketsDropped, 1)
			return
		}

		g.registered(cl)
	} else {
		if !g.allowClient(cl) {
			return
		}

		cl.Touch()
		if !g.read(cl, &pk) {
			return
		}
	}

	g.received(cl, pk, b)
	g.inbound.Post(NewEvent(EventClientRecv, cl, &pk))
}

// accept passes a packet through the hooks, logs it, and counts it. It returns
// false if a hook rejected the packet.
func (g *Gateway) accept(cl *Client, pk *packets.Packet, b []byte) bool {
	if !g.read(cl, pk) {
		return false
	}
	g.received(cl, *pk, b)
	return true
}

// read passes a packet through the OnPacketRead hooks, replacing it with the
// hooked version. It returns false if a hook rejected the packet.
func (g *Gateway) read(cl *Client, pk *packets.Packet) bool {
	npk, err := g.hooks.OnPacketRead(cl, *pk)
	if err != nil {
		atomic.AddInt64(&g.Info.PacketsDropped, 1)
		return false
	}
	*pk = npk
	return true
}

// received logs and counts an accepted packet.
func (g *Gateway) received(cl *Client, pk packets.Packet, b []byte) {
	g.logPacket("<-", cl, pk, b)
	atomic.AddInt64(&g.Info.PacketsReceived, 1)
}

// registered records a newly created client.
func (g *Gateway) registered(cl *Client) {
	atomic.AddInt64(&g.Info.ClientsTotal, 1)
	n := int64(g.Clients.Len())
	atomic.StoreInt64(&g.Info.ClientsRegistered, n)
	for {
		peak := atomic.LoadInt64(&g.Info.ClientsMaximum)
		if n <= peak || atomic.CompareAndSwapInt64(&g.Info.ClientsMaximum, peak, n) {
			break
		}
	}

	g.Log.Info("client registered", "client", cl.ID, "remote", cl.Addr, "secure", cl.Secure)
	g.hooks.OnClientCreated(cl)
}

// drop counts and logs a datagram discarded before decoding.
func (g *Gateway) drop(reason string, addr netip.AddrPort, b []byte) {
	atomic.AddInt64(&g.Info.PacketsDropped, 1)
	g.Log.Debug("datagram dropped", "reason", reason, "remote", addr, "dump", packets.Dump(b))
}

// allowUnassociated returns true if a datagram from an unregistered address is
// within the shared rate limit.
func (g *Gateway) allowUnassociated() bool {
	if g.unassoc == nil || g.unassoc.Allow() {
		return true
	}
	atomic.AddInt64(&g.Info.PacketsThrottled, 1)
	return false
}

// allowClient returns true if a datagram from a registered client is within
// its rate limit. The limiter is created on first use.
func (g *Gateway) allowClient(cl *Client) bool {
	rl := g.Options.RateLimit
	if rl.PerClient <= 0 {
		return true
	}

	if cl.limiter == nil {
		cl.limiter = rate.NewLimiter(rate.Limit(rl.PerClient), rl.burst())
	}

	if cl.limiter.Allow() {
		return true
	}

	atomic.AddInt64(&g.Info.PacketsThrottled, 1)
	g.Log.Debug("client throttled", "client", cl.ID, "remote", cl.Addr)
	return false
}

// logPacket writes one line for a packet received or sent. Connection lifecycle
// packets are highlighted, and message id bearing packets include the id.
func (g *Gateway) logPacket(direction string, cl *Client, pk packets.Packet, b []byte) {
	id := nonActiveClient
	if cl != nil {
		id = cl.ID
	}

	attrs := []any{
		slog.String("direction", direction),
		slog.String("client", id),
		slog.String("packet", pk.String()),
		slog.String("dump", packets.Dump(b)),
	}

	name := packets.Name(pk.Header.Type)
	switch pk.Header.Type {
	case packets.Connect, packets.Connack, packets.SearchGw, packets.GwInfo:
		g.Log.Info(name, append(attrs, slog.Bool("highlight", true))...)
	case packets.WillTopic, packets.WillMsg, packets.Disconnect,
		packets.WillTopicUpd, packets.WillMsgUpd, packets.WillTopicReq, packets.WillMsgReq,
		packets.WillTopicResp, packets.WillMsgResp:
		g.Log.Info(name, attrs...)
	case packets.Publish, packets.Register, packets.Subscribe, packets.Unsubscribe,
		packets.Regack, packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp,
		packets.Suback, packets.Unsuback:
		g.Log.Debug(name, append(attrs, slog.Int("msg_id", int(pk.MsgID)))...)
	default:
		g.Log.Debug(name, attrs...)
	}
}
