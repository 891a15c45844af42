// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/sngateway/packets"
)

func TestSendClientEventUnicast(t *testing.T) {
	g, tr, _ := newGateway()
	m := new(modifiedHookBase)
	require.NoError(t, g.AddHook(m, nil))
	cl := newGatewayClient(t, g, remote1, "sensor1")

	pk := packets.New(packets.Pingresp)
	ev := NewEvent(EventClientSend, cl, &pk)
	g.sendClientEvent(ev)

	d := <-tr.Sent
	require.Equal(t, remote1, d.Addr)
	require.False(t, d.Multicast)
	require.Equal(t, []byte{2, packets.Pingresp}, d.Data)
	require.Equal(t, int64(2), g.Info.BytesSent)
	require.Equal(t, int64(1), g.Info.PacketsSent)
	require.Equal(t, 1, m.count("OnPacketSent"))
	require.True(t, ev.Released())
}

func TestSendClientEventBroadcast(t *testing.T) {
	g, tr, _ := newGateway()

	pk := packets.New(packets.GwInfo)
	pk.GatewayID = 3
	g.sendClientEvent(NewEvent(EventBroadcast, nil, &pk))

	d := <-tr.Sent
	require.True(t, d.Multicast)
	require.Equal(t, []byte{3, packets.GwInfo, 3}, d.Data)
	require.Equal(t, int64(1), g.Info.PacketsSent)
}

func TestSendClientEventNoClient(t *testing.T) {
	g, tr, _ := newGateway()
	pk := packets.New(packets.Pingresp)
	g.sendClientEvent(NewEvent(EventClientSend, nil, &pk))
	require.Empty(t, tr.Sends())
	require.Equal(t, int64(0), g.Info.PacketsSent)
}

func TestSendClientEventSendFailure(t *testing.T) {
	g, tr, _ := newGateway()
	tr.FailSend = true
	cl := newGatewayClient(t, g, remote1, "sensor1")

	pk := packets.New(packets.Pingresp)
	g.sendClientEvent(NewEvent(EventClientSend, cl, &pk))
	require.Equal(t, int64(0), g.Info.PacketsSent)
	require.Equal(t, int64(0), g.Info.BytesSent)
}

func TestSendClientEventEncodeFailure(t *testing.T) {
	g, tr, _ := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")

	pk := packets.New(packets.WillTopic)
	pk.Flags.Qos = 3
	pk.TopicName = "a"
	ev := NewEvent(EventClientSend, cl, &pk)
	g.sendClientEvent(ev)
	require.Empty(t, tr.Sends())
	require.True(t, ev.Released())
}

func TestClientSendTask(t *testing.T) {
	g, tr, _ := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- g.clientSend(ctx)
	}()

	g.sendToClient(cl, packets.New(packets.Pingresp))
	select {
	case d := <-tr.Sent:
		require.Equal(t, remote1, d.Addr)
	case <-time.After(time.Second):
		t.Fatal("expected a datagram")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSendBrokerEventConnectOpensSession(t *testing.T) {
	g, _, up := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")

	cp := mqttpk.NewControlPacket(mqttpk.Connect).(*mqttpk.ConnectPacket)
	cp.ClientIdentifier = cl.ID
	g.sendBrokerEvent(context.Background(), NewBrokerEvent(EventBrokerSend, cl, cp))

	require.True(t, up.Has(remote1.String()))
	require.Equal(t, int64(1), g.Info.BrokerSessions)

	w := nextWritten(t, up)
	require.Equal(t, remote1.String(), w.Key)
	require.Equal(t, cp, w.Packet)
}

func TestSendBrokerEventOpenFailure(t *testing.T) {
	g, _, up := newGateway()
	up.FailOpen = true
	cl := newGatewayClient(t, g, remote1, "sensor1")
	g.setState(cl, StateConnectForwarded)

	cp := mqttpk.NewControlPacket(mqttpk.Connect)
	g.sendBrokerEvent(context.Background(), NewBrokerEvent(EventBrokerSend, cl, cp))

	ack := nextClientSend(t, g).Packet
	require.Equal(t, packets.Connack, ack.Header.Type)
	require.Equal(t, packets.CodeRejectedCongestion.Code, ack.ReturnCode)
	require.Equal(t, StateIdle, cl.State())
	require.Equal(t, int64(0), g.Info.BrokerSessions)
	require.Len(t, up.Written, 0)
}

func TestSendBrokerEventWithoutSession(t *testing.T) {
	g, _, up := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")

	g.sendBrokerEvent(context.Background(), NewBrokerEvent(EventBrokerSend, cl, mqttpk.NewControlPacket(mqttpk.Pingreq)))
	require.Len(t, up.Written, 0)
}

func TestSendBrokerEventDisconnectClosesSession(t *testing.T) {
	g, _, up := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")

	g.sendBrokerEvent(context.Background(), NewBrokerEvent(EventBrokerSend, cl, mqttpk.NewControlPacket(mqttpk.Connect)))
	_ = nextWritten(t, up)

	g.sendBrokerEvent(context.Background(), NewBrokerEvent(EventBrokerSend, cl, mqttpk.NewControlPacket(mqttpk.Disconnect)))
	_, ok := nextWritten(t, up).Packet.(*mqttpk.DisconnectPacket)
	require.True(t, ok)
	require.False(t, up.Has(remote1.String()))
	require.Equal(t, int64(0), g.Info.BrokerSessions)
}

func TestSendBrokerEventMissingMessage(t *testing.T) {
	g, _, up := newGateway()
	g.sendBrokerEvent(context.Background(), NewBrokerEvent(EventBrokerSend, nil, mqttpk.NewControlPacket(mqttpk.Pingreq)))
	require.Equal(t, 0, up.Opened)
}

func TestOnBrokerPacket(t *testing.T) {
	g, _, _ := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")

	g.onBrokerPacket(cl)(mqttpk.NewControlPacket(mqttpk.Pingresp))
	ev := g.inbound.TimedWait(time.Second)
	require.Equal(t, EventBrokerRecv, ev.Type)
	require.Equal(t, cl, ev.Client)
	_, ok := ev.Message.(*mqttpk.PingrespPacket)
	require.True(t, ok)
}

func TestOnBrokerClose(t *testing.T) {
	g, _, _ := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")
	g.Info.BrokerSessions = 2

	g.onBrokerClose(cl)(nil)
	require.Equal(t, int64(1), g.Info.BrokerSessions)
	require.Equal(t, 0, g.inbound.Size())

	g.onBrokerClose(cl)(errors.New("connection reset"))
	require.Equal(t, int64(0), g.Info.BrokerSessions)

	ev := g.inbound.TimedWait(time.Second)
	require.Equal(t, EventBrokerRecv, ev.Type)
	_, ok := ev.Message.(*mqttpk.DisconnectPacket)
	require.True(t, ok)
}

func TestBrokerSendTask(t *testing.T) {
	g, _, up := newGateway()
	cl := newGatewayClient(t, g, remote1, "sensor1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- g.brokerSend(ctx)
	}()

	g.sendToBroker(cl, mqttpk.NewControlPacket(mqttpk.Connect))
	_ = nextWritten(t, up)

	cancel()
	require.NoError(t, <-done)
}
