// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mochi-mqtt/sngateway/packets"
)

// subackFailure is the MQTT 3.1.1 SUBACK return code for a refused subscription.
const subackFailure byte = 0x80

// dispatch drains the packet handling queue, using the timed wait as the tick
// for advertisements, statistics, and the client reaper.
func (g *Gateway) dispatch(ctx context.Context) error {
	g.Log.Debug("packet handling task started")
	defer g.Log.Debug("packet handling task halted")

	for {
		ev := g.inbound.TimedWait(g.Options.TickInterval)
		if ctx.Err() != nil {
			ev.Release()
			return nil
		}

		g.handleEvent(ev)

		now := time.Now()
		if ev.Type == EventTimeout || now.Sub(g.lastTick) >= g.Options.TickInterval {
			g.housekeeping(now)
		}
	}
}

// handleEvent routes an event from the packet handling queue and releases it.
func (g *Gateway) handleEvent(ev *Event) {
	defer ev.Release()

	switch ev.Type {
	case EventBroadcast:
		if ev.Packet != nil {
			g.HandleSearchGW(ev.Packet)
		}
	case EventClientRecv:
		if ev.Client != nil && ev.Packet != nil {
			g.handleClientPacket(ev.Client, ev.Packet)
		}
	case EventBrokerRecv:
		if ev.Client != nil && ev.Message != nil {
			g.handleBrokerPacket(ev.Client, ev.Message)
		}
	}
}

// housekeeping runs the periodic tasks of the gateway.
func (g *Gateway) housekeeping(now time.Time) {
	g.lastTick = now

	interval := time.Duration(g.Options.Capabilities.KeepAlive) * time.Second
	if now.Sub(g.lastAdvert) >= interval {
		g.lastAdvert = now
		g.SendAdvertise()
	}

	g.clearExpiredClients(now.Unix())
	g.publishSysInfo()
}

// clearExpiredClients removes clients which have been silent for longer than
// one and a half keepalive periods, and clean session clients which have
// disconnected.
func (g *Gateway) clearExpiredClients(now int64) {
	ka := g.keepAlive()
	for _, cl := range g.Clients.GetAll() {
		expired := cl.Expired(now, ka)
		if !expired && !(cl.State() == StateDisconnected && cl.CleanSession()) {
			continue
		}

		if expired {
			g.Log.Info("client expired", "client", cl.ID, "remote", cl.Addr, "last_seen", cl.LastSeen())
		}

		g.setState(cl, StateDisconnected)
		g.hooks.OnClientExpired(cl)
		g.Clients.Delete(cl.Addr)
		g.Broker.Close(cl.Addr.String())
	}

	atomic.StoreInt64(&g.Info.ClientsRegistered, int64(g.Clients.Len()))
}

// handleClientPacket processes a packet received from a registered client.
func (g *Gateway) handleClientPacket(cl *Client, pk *packets.Packet) {
	switch pk.Header.Type {
	case packets.Connect:
		g.HandleConnect(cl, pk)
	case packets.WillTopic:
		g.HandleWillTopic(cl, pk)
	case packets.WillMsg:
		g.HandleWillMsg(cl, pk)
	case packets.Disconnect:
		g.HandleDisconnect(cl, pk)
	case packets.WillTopicUpd:
		g.HandleWillTopicUpd(cl, pk)
	case packets.WillMsgUpd:
		g.HandleWillMsgUpd(cl, pk)
	case packets.Pingreq:
		g.HandlePingreq(cl, pk)
	case packets.Register, packets.Publish, packets.Puback,
		packets.Subscribe, packets.Unsubscribe, packets.Regack:
		if cl.State() != StateConnected {
			g.Log.Debug("packet from unconnected client ignored", "client", cl.ID, "packet", packets.Name(pk.Header.Type), "state", cl.State())
			return
		}
		g.handleSessionPacket(cl, pk)
	default:
		g.Log.Debug("unsupported packet ignored", "client", cl.ID, "packet", packets.Name(pk.Header.Type))
	}
}

// handleSessionPacket processes the topic and publish packets of a connected client.
func (g *Gateway) handleSessionPacket(cl *Client, pk *packets.Packet) {
	switch pk.Header.Type {
	case packets.Register:
		g.HandleRegister(cl, pk)
	case packets.Publish:
		g.HandlePublish(cl, pk)
	case packets.Puback:
		g.HandlePuback(cl, pk)
	case packets.Subscribe, packets.Unsubscribe:
		g.HandleSubscribe(cl, pk)
	case packets.Regack:
		if pk.ReturnCode != packets.CodeAccepted.Code {
			g.Log.Warn("client rejected topic registration", "client", cl.ID, "topic_id", pk.TopicID, "rc", packets.ReturnCodes[pk.ReturnCode])
		}
	}
}

// HandleRegister assigns a topic id to a topic name for a client.
func (g *Gateway) HandleRegister(cl *Client, pk *packets.Packet) {
	ack := packets.New(packets.Regack)
	ack.MsgID = pk.MsgID

	topic, existed, err := cl.TopicTable().Add(pk.TopicName)
	switch {
	case err != nil:
		g.Log.Debug("topic registration refused", "client", cl.ID, "topic", pk.TopicName, "error", err)
		ack.ReturnCode = packets.CodeRejectedNotSupported.Code
		if errors.Is(err, ErrTopicIDsExhausted) {
			ack.ReturnCode = packets.CodeRejectedCongestion.Code
		}
	default:
		ack.TopicID = topic.ID
		ack.ReturnCode = packets.CodeAccepted.Code
		if !existed {
			g.hooks.OnTopicRegistered(cl, topic)
		}
	}

	g.sendToClient(cl, ack)
}

// topicName resolves the topic name a publish or subscription refers to.
func (g *Gateway) topicName(cl *Client, pk *packets.Packet) (string, bool) {
	switch pk.Flags.TopicIDType {
	case packets.TopicIDTypeNormal:
		if pk.Header.Type == packets.Subscribe || pk.Header.Type == packets.Unsubscribe {
			return pk.TopicName, pk.TopicName != ""
		}
		t, ok := cl.TopicTable().GetByID(pk.TopicID)
		return t.Name, ok
	case packets.TopicIDTypeShort:
		if pk.Header.Type == packets.Subscribe || pk.Header.Type == packets.Unsubscribe {
			return pk.TopicName, len(pk.TopicName) == 2
		}
		return string([]byte{byte(pk.TopicID >> 8), byte(pk.TopicID)}), true
	default:
		return "", false
	}
}

// HandlePublish forwards a client publish to the broker. QoS 2 and QoS -1 are
// not supported.
func (g *Gateway) HandlePublish(cl *Client, pk *packets.Packet) {
	ack := packets.New(packets.Puback)
	ack.TopicID = pk.TopicID
	ack.MsgID = pk.MsgID

	if pk.Flags.Qos > 1 {
		ack.ReturnCode = packets.CodeRejectedNotSupported.Code
		g.sendToClient(cl, ack)
		return
	}

	name, ok := g.topicName(cl, pk)
	if !ok {
		ack.ReturnCode = packets.CodeRejectedInvalidTopicID.Code
		g.sendToClient(cl, ack)
		return
	}

	mp := mqttpk.NewControlPacket(mqttpk.Publish).(*mqttpk.PublishPacket)
	mp.TopicName = name
	mp.Qos = pk.Flags.Qos
	mp.Retain = pk.Flags.Retain
	mp.Dup = pk.Flags.Dup
	mp.MessageID = pk.MsgID
	mp.Payload = pk.Payload

	if mp.Qos == 1 {
		cl.PubWaits.Add(pk.MsgID, name)
	}

	atomic.AddInt64(&g.Info.MessagesReceived, 1)
	g.sendToBroker(cl, mp)
}

// HandlePuback forwards a client acknowledgement of a QoS 1 publish.
func (g *Gateway) HandlePuback(cl *Client, pk *packets.Packet) {
	if pk.ReturnCode != packets.CodeAccepted.Code {
		g.Log.Warn("client rejected publish", "client", cl.ID, "msg_id", pk.MsgID, "rc", packets.ReturnCodes[pk.ReturnCode])
		return
	}

	ack := mqttpk.NewControlPacket(mqttpk.Puback).(*mqttpk.PubackPacket)
	ack.MessageID = pk.MsgID
	g.sendToBroker(cl, ack)
}

// HandleSubscribe forwards a client subscribe or unsubscribe to the broker.
func (g *Gateway) HandleSubscribe(cl *Client, pk *packets.Packet) {
	name, ok := g.topicName(cl, pk)
	if !ok {
		if pk.Header.Type == packets.Subscribe {
			ack := packets.New(packets.Suback)
			ack.MsgID = pk.MsgID
			ack.ReturnCode = packets.CodeRejectedInvalidTopicID.Code
			g.sendToClient(cl, ack)
		}
		return
	}

	if pk.Header.Type == packets.Unsubscribe {
		mp := mqttpk.NewControlPacket(mqttpk.Unsubscribe).(*mqttpk.UnsubscribePacket)
		mp.MessageID = pk.MsgID
		mp.Topics = []string{name}
		g.sendToBroker(cl, mp)
		return
	}

	// QoS 2 flows are not bridged, so the broker is asked for at most QoS 1.
	// QoS -1 is encoded as 3 and subscribes at QoS 0.
	qos := pk.Flags.Qos
	switch {
	case qos == 3:
		qos = 0
	case qos > 1:
		qos = 1
	}

	cl.SubWaits.Add(pk.MsgID, name)
	mp := mqttpk.NewControlPacket(mqttpk.Subscribe).(*mqttpk.SubscribePacket)
	mp.MessageID = pk.MsgID
	mp.Topics = []string{name}
	mp.Qoss = []byte{qos}
	g.sendToBroker(cl, mp)
}

// handleBrokerPacket translates a packet read from the broker session of a client.
func (g *Gateway) handleBrokerPacket(cl *Client, msg mqttpk.ControlPacket) {
	switch p := msg.(type) {
	case *mqttpk.ConnackPacket:
		g.handleConnack(cl, p)
	case *mqttpk.PingrespPacket:
		g.sendToClient(cl, packets.New(packets.Pingresp))
	case *mqttpk.PublishPacket:
		g.deliverPublish(cl, p)
	case *mqttpk.PubackPacket:
		g.handleBrokerPuback(cl, p)
	case *mqttpk.SubackPacket:
		g.handleSuback(cl, p)
	case *mqttpk.UnsubackPacket:
		ack := packets.New(packets.Unsuback)
		ack.MsgID = p.MessageID
		g.sendToClient(cl, ack)
	case *mqttpk.DisconnectPacket:
		if cl.State() != StateDisconnected {
			g.Log.Warn("broker session lost", "client", cl.ID)
			g.sendToClient(cl, packets.New(packets.Disconnect))
			g.setState(cl, StateDisconnected)
			g.hooks.OnDisconnect(cl, cl.CleanSession())
		}
	default:
		g.Log.Debug("unsupported broker packet ignored", "client", cl.ID, "packet", msg.String())
	}
}

// handleConnack completes the connection of a client.
func (g *Gateway) handleConnack(cl *Client, p *mqttpk.ConnackPacket) {
	ack := packets.New(packets.Connack)
	if p.ReturnCode != mqttpk.Accepted {
		g.Log.Warn("broker refused client", "client", cl.ID, "rc", mqttpk.ConnackReturnCodes[p.ReturnCode])
		ack.ReturnCode = packets.CodeRejectedNotSupported.Code
		g.sendToClient(cl, ack)
		return
	}

	ack.ReturnCode = packets.CodeAccepted.Code
	g.setState(cl, StateConnected)
	g.sendToClient(cl, ack)
	g.Log.Info("client connected", "client", cl.ID, "remote", cl.Addr)
	g.hooks.OnSessionEstablished(cl)
}

// deliverPublish forwards a broker publish to a client, registering the topic
// with the client first if it has no topic id yet.
func (g *Gateway) deliverPublish(cl *Client, p *mqttpk.PublishPacket) {
	topic, existed, err := cl.TopicTable().Add(p.TopicName)
	if err != nil {
		g.Log.Warn("unable to deliver publish", "client", cl.ID, "topic", p.TopicName, "error", err)
		return
	}

	if !existed {
		reg := packets.New(packets.Register)
		reg.TopicID = topic.ID
		reg.MsgID = g.nextMsgID()
		reg.TopicName = topic.Name
		g.sendToClient(cl, reg)
		g.hooks.OnTopicRegistered(cl, topic)
	}

	pub := packets.New(packets.Publish)
	pub.Flags = packets.Flags{
		Dup:         p.Dup,
		Qos:         p.Qos,
		Retain:      p.Retain,
		TopicIDType: packets.TopicIDTypeNormal,
	}
	pub.TopicID = topic.ID
	pub.MsgID = p.MessageID
	pub.Payload = p.Payload

	atomic.AddInt64(&g.Info.MessagesSent, 1)
	g.sendToClient(cl, pub)
}

// handleBrokerPuback acknowledges a QoS 1 publish of a client.
func (g *Gateway) handleBrokerPuback(cl *Client, p *mqttpk.PubackPacket) {
	name, ok := cl.PubWaits.Get(p.MessageID)
	if !ok {
		g.Log.Debug("unexpected broker puback", "client", cl.ID, "msg_id", p.MessageID)
		return
	}
	cl.PubWaits.Delete(p.MessageID)

	ack := packets.New(packets.Puback)
	ack.MsgID = p.MessageID
	ack.ReturnCode = packets.CodeAccepted.Code
	if t, ok := cl.TopicTable().Get(name); ok {
		ack.TopicID = t.ID
	}
	g.sendToClient(cl, ack)
}

// handleSuback completes a subscription, assigning a topic id to the filter
// when it contains no wildcards.
func (g *Gateway) handleSuback(cl *Client, p *mqttpk.SubackPacket) {
	name, ok := cl.SubWaits.Get(p.MessageID)
	if !ok {
		g.Log.Debug("unexpected broker suback", "client", cl.ID, "msg_id", p.MessageID)
		return
	}
	cl.SubWaits.Delete(p.MessageID)

	ack := packets.New(packets.Suback)
	ack.MsgID = p.MessageID

	if len(p.ReturnCodes) == 0 || p.ReturnCodes[0] == subackFailure {
		ack.ReturnCode = packets.CodeRejectedNotSupported.Code
		g.sendToClient(cl, ack)
		return
	}

	ack.Flags.Qos = p.ReturnCodes[0]
	ack.ReturnCode = packets.CodeAccepted.Code
	if !strings.ContainsAny(name, "+#") {
		topic, existed, err := cl.TopicTable().Add(name)
		if err == nil {
			ack.TopicID = topic.ID
			if !existed {
				g.hooks.OnTopicRegistered(cl, topic)
			}
		}
	}

	g.sendToClient(cl, ack)
}
