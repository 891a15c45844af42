// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"fmt"
	"log/slog"
	"strings"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/hooks/storage"
	"github.com/mochi-mqtt/sngateway/packets"
	"github.com/mochi-mqtt/sngateway/system"
)

// Options contains configuration settings for the debug output.
type Options struct {
	Enable         bool `yaml:"enable" json:"enable"`                     // non-zero field for enabling hook using file-based config
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include decoded packet data (default false)
	ShowPings      bool `yaml:"show_pings" json:"show_pings"`             // show ping requests and responses (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show the broker credentials in forwarded CONNECT packets (default false)
}

// Hook is a debugging hook which logs additional low-level information from the gateway.
type Hook struct {
	gateway.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return gateway.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable gateway parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *gateway.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts")
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the gateway starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the gateway stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnSysInfoTick is called when the gateway statistics are refreshed.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	h.Log.Debug("", "method", "OnSysInfoTick", "clients", sys.ClientsRegistered, "connected", sys.ClientsConnected)
}

// OnClientCreated is called when a client is added to the registry.
func (h *Hook) OnClientCreated(cl *gateway.Client) {
	h.Log.Debug("client registered", "method", "OnClientCreated", "client", cl.ID, "remote", cl.Addr)
}

// OnPacketRead is called when a new packet is received from the sensor network.
func (h *Hook) OnPacketRead(cl *gateway.Client, pk packets.Packet) (packets.Packet, error) {
	if h.isPing(pk.Header.Type) && !h.config.ShowPings {
		return pk, nil
	}

	h.Log.Debug(fmt.Sprintf("%s << %s", strings.ToUpper(packets.Name(pk.Header.Type)), clientID(cl)), "m", h.packetMeta(pk))

	return pk, nil
}

// OnPacketSent is called when a packet is sent to the sensor network.
func (h *Hook) OnPacketSent(cl *gateway.Client, pk packets.Packet, b []byte) {
	if h.isPing(pk.Header.Type) && !h.config.ShowPings {
		return
	}

	h.Log.Debug(fmt.Sprintf("%s >> %s", strings.ToUpper(packets.Name(pk.Header.Type)), clientID(cl)), "m", h.packetMeta(pk))
}

// OnConnectForwarded is called when a CONNECT is queued for the broker.
func (h *Hook) OnConnectForwarded(cl *gateway.Client, pk *mqttpk.ConnectPacket) {
	m := map[string]any{
		"id":        pk.ClientIdentifier,
		"clean":     pk.CleanSession,
		"keepalive": pk.Keepalive,
		"version":   pk.ProtocolVersion,
		"username":  pk.Username,
	}

	if h.config.ShowPasswords {
		m["password"] = string(pk.Password)
	}

	if pk.WillFlag {
		m["will_topic"] = pk.WillTopic
		m["will_payload"] = string(pk.WillMessage)
	}

	h.Log.Debug("CONNECT => broker", "method", "OnConnectForwarded", "client", cl.ID, "m", m)
}

// OnSessionEstablished is called when the broker accepts the session of a client.
func (h *Hook) OnSessionEstablished(cl *gateway.Client) {
	h.Log.Debug("session established", "method", "OnSessionEstablished", "client", cl.ID)
}

// OnTopicRegistered is called when a topic id is assigned for a client.
func (h *Hook) OnTopicRegistered(cl *gateway.Client, topic gateway.Topic) {
	h.Log.Debug("topic registered", "method", "OnTopicRegistered", "client", cl.ID, "topic", topic.Name, "topic_id", topic.ID)
}

// OnDisconnect is called when a client disconnects.
func (h *Hook) OnDisconnect(cl *gateway.Client, expire bool) {
	h.Log.Debug("client disconnected", "method", "OnDisconnect", "client", cl.ID, "expire", expire)
}

// OnClientExpired is called when the gateway clears an expired client.
func (h *Hook) OnClientExpired(cl *gateway.Client) {
	h.Log.Debug("client session expired", "method", "OnClientExpired", "client", cl.ID)
}

// StoredClients is called when the gateway restores clients from a store.
func (h *Hook) StoredClients() (v []storage.Client, err error) {
	h.Log.Debug("", "method", "StoredClients")

	return v, nil
}

// StoredSysInfo is called when the gateway restores system info from a store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	h.Log.Debug("", "method", "StoredSysInfo")

	return v, nil
}

func (h *Hook) isPing(t byte) bool {
	return t == packets.Pingreq || t == packets.Pingresp
}

// clientID returns the id of a client, or a placeholder for packets with no client.
func clientID(cl *gateway.Client) string {
	if cl == nil {
		return "*"
	}
	return cl.ID
}

// packetMeta adds additional type-specific metadata to the debug logs.
func (h *Hook) packetMeta(pk packets.Packet) map[string]any {
	m := map[string]any{}
	switch pk.Header.Type {
	case packets.Advertise:
		m["gw"] = pk.GatewayID
		m["duration"] = pk.Duration
	case packets.SearchGw:
		m["radius"] = pk.Radius
	case packets.GwInfo:
		m["gw"] = pk.GatewayID
	case packets.Connect:
		m["id"] = pk.ClientID
		m["clean"] = pk.Flags.CleanSession
		m["will"] = pk.Flags.Will
		m["keepalive"] = pk.Duration
	case packets.WillTopic, packets.WillTopicUpd:
		m["topic"] = pk.TopicName
		m["qos"] = pk.Flags.Qos
		m["retain"] = pk.Flags.Retain
	case packets.WillMsg, packets.WillMsgUpd:
		m["payload"] = string(pk.Payload)
	case packets.Register:
		m["topic"] = pk.TopicName
		m["topic_id"] = pk.TopicID
		m["id"] = pk.MsgID
	case packets.Publish:
		m["topic_id"] = pk.TopicID
		m["topic_id_type"] = pk.Flags.TopicIDType
		m["payload"] = string(pk.Payload)
		m["raw"] = pk.Payload
		m["qos"] = pk.Flags.Qos
		m["id"] = pk.MsgID
	case packets.Regack, packets.Puback:
		m["topic_id"] = pk.TopicID
		m["id"] = pk.MsgID
		m["reason"] = int(pk.ReturnCode)
	case packets.Subscribe, packets.Unsubscribe:
		m["topic"] = pk.TopicName
		m["topic_id"] = pk.TopicID
		m["qos"] = pk.Flags.Qos
		m["id"] = pk.MsgID
	case packets.Suback:
		m["topic_id"] = pk.TopicID
		m["qos"] = pk.Flags.Qos
		m["id"] = pk.MsgID
		m["reason"] = int(pk.ReturnCode)
	case packets.Unsuback:
		m["id"] = pk.MsgID
	case packets.Connack, packets.WillTopicResp, packets.WillMsgResp:
		m["reason"] = int(pk.ReturnCode)
	case packets.Disconnect, packets.Pingreq:
		if pk.Duration > 0 {
			m["duration"] = pk.Duration
		}
		if pk.ClientID != "" {
			m["id"] = pk.ClientID
		}
	}

	if h.config.ShowPacketData {
		m["packet"] = pk
	}

	return m
}
