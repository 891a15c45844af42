// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"sync/atomic"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mochi-mqtt/sngateway/packets"
)

// sendToClient queues a packet for unicast to a client.
func (g *Gateway) sendToClient(cl *Client, pk packets.Packet) {
	g.clientSends.Post(NewEvent(EventClientSend, cl, &pk))
}

// broadcast queues a packet for the multicast group.
func (g *Gateway) broadcast(pk packets.Packet) {
	g.clientSends.Post(NewEvent(EventBroadcast, nil, &pk))
}

// sendToBroker queues a packet for the broker session of a client.
func (g *Gateway) sendToBroker(cl *Client, msg mqttpk.ControlPacket) {
	g.brokerSends.Post(NewBrokerEvent(EventBrokerSend, cl, msg))
}

// SendAdvertise broadcasts the gateway id and advertisement interval.
func (g *Gateway) SendAdvertise() {
	pk := packets.New(packets.Advertise)
	pk.GatewayID = byte(g.Options.Capabilities.GatewayID)
	pk.Duration = g.keepAlive()
	g.broadcast(pk)
	atomic.AddInt64(&g.Info.Advertisements, 1)
}

// HandleSearchGW answers a gateway search while the registry has room for
// another client. At capacity the gateway stays silent.
func (g *Gateway) HandleSearchGW(pk *packets.Packet) {
	if pk.Header.Type != packets.SearchGw {
		return
	}

	if int64(g.Clients.Len()) >= g.Options.Capabilities.MaximumClients {
		g.Log.Debug("gateway search ignored at capacity", "clients", g.Clients.Len())
		return
	}

	gw := packets.New(packets.GwInfo)
	gw.GatewayID = byte(g.Options.Capabilities.GatewayID)
	g.broadcast(gw)
}

// HandleConnect begins a new connection negotiation for a client. If the client
// has a will, the will topic is requested; otherwise the broker CONNECT is sent
// immediately.
func (g *Gateway) HandleConnect(cl *Client, pk *packets.Packet) {
	caps := g.Options.Capabilities

	if !g.reattach(cl) {
		return
	}

	cl.ResetConnect()
	g.setState(cl, StateIdle)

	cl.Lock()
	cl.Connect.ClientID = cl.ID
	cl.Connect.ProtocolVersion = caps.MQTTVersion
	cl.Connect.Keepalive = pk.Duration
	cl.Connect.Will = pk.Flags.Will
	cl.Connect.CleanSession = pk.Flags.CleanSession
	if caps.LoginID != "" && caps.Password != "" {
		cl.Connect.Username = true
		cl.Connect.Password = true
	}
	cl.Will = Will{}
	cl.Unlock()

	if pk.Flags.CleanSession {
		cl.ResetTopics()
	}

	if pk.Flags.Will {
		g.setState(cl, StateAwaitingWillTopic)
		g.sendToClient(cl, packets.New(packets.WillTopicReq))
		return
	}

	g.forwardConnect(cl)
}

// reattach ensures the client of a CONNECT is the client registered for its
// address. A client reaped while its CONNECT was queued is registered again, or
// refused with a congestion CONNACK if it no longer fits. A CONNECT for a client
// replaced by a newer registration is ignored.
func (g *Gateway) reattach(cl *Client) bool {
	current, ok := g.Clients.Get(cl.Addr)
	if ok {
		if current != cl {
			g.Log.Debug("CONNECT for replaced client ignored", "client", cl.ID, "remote", cl.Addr)
			return false
		}
		return true
	}

	if err := g.Clients.Readmit(cl); err != nil {
		g.Log.Warn("client registration rejected", "remote", cl.Addr, "client", cl.ID, "error", err)
		atomic.AddInt64(&g.Info.ClientsRejected, 1)
		ack := packets.New(packets.Connack)
		ack.ReturnCode = packets.CodeRejectedCongestion.Code
		g.sendToClient(cl, ack)
		return false
	}

	g.registered(cl)
	return true
}

// HandleWillTopic stores the will topic of a client and requests its will
// message. It is ignored unless a will topic was requested.
func (g *Gateway) HandleWillTopic(cl *Client, pk *packets.Packet) {
	if cl.State() != StateAwaitingWillTopic {
		g.Log.Debug("unexpected WILLTOPIC ignored", "client", cl.ID, "state", cl.State())
		return
	}

	if pk.TopicName == "" {
		cl.Lock()
		cl.Connect.Will = false
		cl.Unlock()
		g.forwardConnect(cl)
		return
	}

	qos := pk.Flags.Qos
	if qos > 2 {
		qos = 0
	}

	cl.Lock()
	cl.Will.Topic = pk.TopicName
	cl.Will.Qos = qos
	cl.Will.Retain = pk.Flags.Retain
	cl.Connect.WillTopic = pk.TopicName
	cl.Connect.WillQos = qos
	cl.Connect.WillRetain = pk.Flags.Retain
	cl.Unlock()

	cl.awaitWillMsg()
	g.setState(cl, StateAwaitingWillMsg)
	g.sendToClient(cl, packets.New(packets.WillMsgReq))
}

// HandleWillMsg stores the will message of a client and sends the completed
// broker CONNECT. An unexpected will message is rejected with a congestion
// CONNACK, unless the client is on a secure network.
func (g *Gateway) HandleWillMsg(cl *Client, pk *packets.Packet) {
	if !cl.WaitingWillMsg() {
		g.Log.Debug("unexpected WILLMSG", "client", cl.ID, "state", cl.State())
		if !cl.Secure {
			ack := packets.New(packets.Connack)
			ack.ReturnCode = packets.CodeRejectedCongestion.Code
			g.sendToClient(cl, ack)
		}
		return
	}

	if !cl.ConnectSendable() {
		return
	}

	msg := append([]byte{}, pk.Payload...)
	cl.Lock()
	cl.Will.Payload = msg
	cl.Connect.WillMessage = msg
	cl.Unlock()

	g.forwardConnect(cl)
}

// HandleDisconnect acknowledges a client disconnect and notifies the broker.
func (g *Gateway) HandleDisconnect(cl *Client, _ *packets.Packet) {
	g.sendToClient(cl, packets.New(packets.Disconnect))
	g.sendToBroker(cl, mqttpk.NewControlPacket(mqttpk.Disconnect))

	g.setState(cl, StateDisconnected)
	g.hooks.OnDisconnect(cl, cl.CleanSession())
}

// HandleWillTopicUpd rejects a will topic update, which is not supported.
func (g *Gateway) HandleWillTopicUpd(cl *Client, _ *packets.Packet) {
	resp := packets.New(packets.WillTopicResp)
	resp.ReturnCode = packets.CodeRejectedNotSupported.Code
	g.sendToClient(cl, resp)
}

// HandleWillMsgUpd rejects a will message update, which is not supported.
func (g *Gateway) HandleWillMsgUpd(cl *Client, _ *packets.Packet) {
	resp := packets.New(packets.WillMsgResp)
	resp.ReturnCode = packets.CodeRejectedNotSupported.Code
	g.sendToClient(cl, resp)
}

// HandlePingreq forwards a client ping to the broker.
func (g *Gateway) HandlePingreq(cl *Client, _ *packets.Packet) {
	g.sendToBroker(cl, mqttpk.NewControlPacket(mqttpk.Pingreq))
}

// setState moves a client to a new handshake state, keeping the connected
// client count.
func (g *Gateway) setState(cl *Client, s SessionState) {
	prev := SessionState(cl.state.Swap(uint32(s)))
	switch {
	case prev == StateConnected && s != StateConnected:
		atomic.AddInt64(&g.Info.ClientsConnected, -1)
	case prev != StateConnected && s == StateConnected:
		atomic.AddInt64(&g.Info.ClientsConnected, 1)
	}
}

// forwardConnect sends the negotiated CONNECT to the broker once per negotiation.
func (g *Gateway) forwardConnect(cl *Client) {
	if !cl.claimConnect() {
		return
	}

	cp := g.buildConnect(cl)
	g.setState(cl, StateConnectForwarded)
	g.sendToBroker(cl, cp)
	g.hooks.OnConnectForwarded(cl, cp)
}

// buildConnect returns a broker CONNECT from the connect state of a client, with
// the gateway credentials if they are configured.
func (g *Gateway) buildConnect(cl *Client) *mqttpk.ConnectPacket {
	cl.RLock()
	defer cl.RUnlock()

	cs := cl.Connect
	cp := mqttpk.NewControlPacket(mqttpk.Connect).(*mqttpk.ConnectPacket)
	cp.ProtocolVersion = cs.ProtocolVersion
	cp.ProtocolName = "MQTT"
	if cs.ProtocolVersion == 3 {
		cp.ProtocolName = "MQIsdp"
	}
	cp.ClientIdentifier = cs.ClientID
	cp.Keepalive = cs.Keepalive
	cp.CleanSession = cs.CleanSession

	if cs.Will {
		cp.WillFlag = true
		cp.WillTopic = cs.WillTopic
		cp.WillMessage = cs.WillMessage
		cp.WillQos = cs.WillQos
		cp.WillRetain = cs.WillRetain
	}

	if cs.Username {
		cp.UsernameFlag = true
		cp.Username = g.Options.Capabilities.LoginID
	}

	if cs.Password {
		cp.PasswordFlag = true
		cp.Password = []byte(g.Options.Capabilities.Password)
	}

	return cp
}
