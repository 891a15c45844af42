// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package packets encodes and decodes MQTT-SN v1.2 packets.
package packets

import (
	"bytes"
	"strconv"
	"strings"
)

// All of the valid packet types and their packet identifier.
const (
	Advertise     byte = 0x00
	SearchGw      byte = 0x01
	GwInfo        byte = 0x02
	Connect       byte = 0x04
	Connack       byte = 0x05
	WillTopicReq  byte = 0x06
	WillTopic     byte = 0x07
	WillMsgReq    byte = 0x08
	WillMsg       byte = 0x09
	Register      byte = 0x0A
	Regack        byte = 0x0B
	Publish       byte = 0x0C
	Puback        byte = 0x0D
	Pubcomp       byte = 0x0E
	Pubrec        byte = 0x0F
	Pubrel        byte = 0x10
	Subscribe     byte = 0x12
	Suback        byte = 0x13
	Unsubscribe   byte = 0x14
	Unsuback      byte = 0x15
	Pingreq       byte = 0x16
	Pingresp      byte = 0x17
	Disconnect    byte = 0x18
	WillTopicUpd  byte = 0x1A
	WillTopicResp byte = 0x1B
	WillMsgUpd    byte = 0x1C
	WillMsgResp   byte = 0x1D
	Encapsulated  byte = 0xFE
)

const (
	ProtocolID          byte = 0x01   // the only protocol id defined for CONNECT
	LongLengthIndicator byte = 0x01   // first octet announcing a three octet length field
	MaxPacketSize            = 0xFFFF // largest length expressible in the long form

	TopicIDTypeNormal     byte = 0x00
	TopicIDTypePredefined byte = 0x01
	TopicIDTypeShort      byte = 0x02

	QosMinusOne byte = 0x03 // publish without a connection
)

// Names provides human-readable names for the packet types.
var Names = map[byte]string{
	Advertise:     "ADVERTISE",
	SearchGw:      "SEARCHGW",
	GwInfo:        "GWINFO",
	Connect:       "CONNECT",
	Connack:       "CONNACK",
	WillTopicReq:  "WILLTOPICREQ",
	WillTopic:     "WILLTOPIC",
	WillMsgReq:    "WILLMSGREQ",
	WillMsg:       "WILLMSG",
	Register:      "REGISTER",
	Regack:        "REGACK",
	Publish:       "PUBLISH",
	Puback:        "PUBACK",
	Pubcomp:       "PUBCOMP",
	Pubrec:        "PUBREC",
	Pubrel:        "PUBREL",
	Subscribe:     "SUBSCRIBE",
	Suback:        "SUBACK",
	Unsubscribe:   "UNSUBSCRIBE",
	Unsuback:      "UNSUBACK",
	Pingreq:       "PINGREQ",
	Pingresp:      "PINGRESP",
	Disconnect:    "DISCONNECT",
	WillTopicUpd:  "WILLTOPICUPD",
	WillTopicResp: "WILLTOPICRESP",
	WillMsgUpd:    "WILLMSGUPD",
	WillMsgResp:   "WILLMSGRESP",
	Encapsulated:  "ENCAPSULATED",
}

// Name returns the readable name of a packet type.
func Name(t byte) string {
	if n, ok := Names[t]; ok {
		return n
	}
	return "UNKNOWN(0x" + strconv.FormatUint(uint64(t), 16) + ")"
}

// Header contains the length and type octets which prefix every packet.
type Header struct {
	Length int  // total packet length, including the header itself
	Type   byte // the packet type
	size   int  // 2 for the short form, 4 for the long form
}

// Flags contains the values of the flags octet.
type Flags struct {
	Dup          bool
	Qos          byte // 0, 1, 2, or QosMinusOne
	Retain       bool
	Will         bool
	CleanSession bool
	TopicIDType  byte
}

// Encode returns the flags octet.
func (f Flags) Encode() byte {
	var b byte
	if f.Dup {
		b |= 0x80
	}
	b |= (f.Qos & 0x03) << 5
	if f.Retain {
		b |= 0x10
	}
	if f.Will {
		b |= 0x08
	}
	if f.CleanSession {
		b |= 0x04
	}
	return b | f.TopicIDType&0x03
}

// DecodeFlags unpacks a flags octet.
func DecodeFlags(b byte) Flags {
	return Flags{
		Dup:          b&0x80 > 0,
		Qos:          (b & 0x60) >> 5,
		Retain:       b&0x10 > 0,
		Will:         b&0x08 > 0,
		CleanSession: b&0x04 > 0,
		TopicIDType:  b & 0x03,
	}
}

// Packet is an MQTT-SN packet. Only the fields relevant to the packet type are used.
type Packet struct {
	Header         Header
	Flags          Flags
	ProtocolID     byte   // CONNECT
	Duration       uint16 // CONNECT keepalive, ADVERTISE interval, DISCONNECT sleep
	ClientID       string // CONNECT, PINGREQ
	GatewayID      byte   // ADVERTISE, GWINFO
	GatewayAddress []byte // GWINFO when sent by a client
	Radius         byte   // SEARCHGW
	ReturnCode     byte   // acks
	TopicID        uint16
	MsgID          uint16
	TopicName      string // WILLTOPIC, WILLTOPICUPD, REGISTER, SUBSCRIBE, UNSUBSCRIBE
	Payload        []byte // WILLMSG, WILLMSGUPD, PUBLISH
}

// New returns an empty packet of the given type.
func New(t byte) Packet {
	return Packet{Header: Header{Type: t}}
}

// HasMsgID returns true if the packet type carries a message id.
func (pk Packet) HasMsgID() bool {
	switch pk.Header.Type {
	case Register, Regack, Publish, Puback, Pubcomp, Pubrec, Pubrel,
		Subscribe, Suback, Unsubscribe, Unsuback:
		return true
	}
	return false
}

// Copy returns a deep copy of the packet.
func (pk Packet) Copy() Packet {
	out := pk
	if pk.GatewayAddress != nil {
		out.GatewayAddress = append([]byte{}, pk.GatewayAddress...)
	}
	if pk.Payload != nil {
		out.Payload = append([]byte{}, pk.Payload...)
	}
	return out
}

// Encode writes the packet to buf in wire format.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	var body bytes.Buffer

	switch pk.Header.Type {
	case Advertise:
		body.WriteByte(pk.GatewayID)
		body.Write(encodeUint16(pk.Duration))
	case SearchGw:
		body.WriteByte(pk.Radius)
	case GwInfo:
		body.WriteByte(pk.GatewayID)
		body.Write(pk.GatewayAddress)
	case Connect:
		body.WriteByte(pk.Flags.Encode())
		body.WriteByte(ProtocolID)
		body.Write(encodeUint16(pk.Duration))
		body.WriteString(pk.ClientID)
	case Connack, WillTopicResp, WillMsgResp:
		body.WriteByte(pk.ReturnCode)
	case WillTopicReq, WillMsgReq, Pingresp:
	case WillTopic, WillTopicUpd:
		if pk.TopicName != "" || pk.Flags != (Flags{}) {
			if pk.Flags.Qos > 2 {
				return ErrProtocolViolationQosOutOfRange
			}
			body.WriteByte(pk.Flags.Encode())
			body.WriteString(pk.TopicName)
		}
	case WillMsg, WillMsgUpd:
		body.Write(pk.Payload)
	case Register:
		body.Write(encodeUint16(pk.TopicID))
		body.Write(encodeUint16(pk.MsgID))
		body.WriteString(pk.TopicName)
	case Regack, Puback:
		body.Write(encodeUint16(pk.TopicID))
		body.Write(encodeUint16(pk.MsgID))
		body.WriteByte(pk.ReturnCode)
	case Publish:
		body.WriteByte(pk.Flags.Encode())
		body.Write(encodeUint16(pk.TopicID))
		body.Write(encodeUint16(pk.MsgID))
		body.Write(pk.Payload)
	case Pubcomp, Pubrec, Pubrel, Unsuback:
		body.Write(encodeUint16(pk.MsgID))
	case Subscribe, Unsubscribe:
		body.WriteByte(pk.Flags.Encode())
		body.Write(encodeUint16(pk.MsgID))
		if pk.Flags.TopicIDType == TopicIDTypePredefined {
			body.Write(encodeUint16(pk.TopicID))
		} else {
			body.WriteString(pk.TopicName)
		}
	case Suback:
		body.WriteByte(pk.Flags.Encode())
		body.Write(encodeUint16(pk.TopicID))
		body.Write(encodeUint16(pk.MsgID))
		body.WriteByte(pk.ReturnCode)
	case Pingreq:
		body.WriteString(pk.ClientID)
	case Disconnect:
		if pk.Duration > 0 {
			body.Write(encodeUint16(pk.Duration))
		}
	default:
		return ErrUnsupportedPacketType
	}

	if err := encodeHeader(buf, pk.Header.Type, body.Len()); err != nil {
		return err
	}
	buf.Write(body.Bytes())
	return nil
}

// Decode reads a packet from a datagram. Bytes beyond the declared length are ignored.
func Decode(b []byte) (Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Packet{Header: h}, err
	}

	pk := Packet{Header: h}
	buf := b[h.size:h.Length]

	switch h.Type {
	case Advertise:
		err = pk.decodeAdvertise(buf)
	case SearchGw:
		pk.Radius, _, err = decodeByte(buf, 0)
	case GwInfo:
		var offset int
		pk.GatewayID, offset, err = decodeByte(buf, 0)
		if err == nil {
			pk.GatewayAddress = decodeRest(buf, offset)
		}
	case Connect:
		err = pk.decodeConnect(buf)
	case Connack, WillTopicResp, WillMsgResp:
		pk.ReturnCode, _, err = decodeByte(buf, 0)
	case WillTopicReq, WillMsgReq, Pingresp:
	case WillTopic, WillTopicUpd:
		err = pk.decodeWillTopic(buf)
	case WillMsg, WillMsgUpd:
		pk.Payload = decodeRest(buf, 0)
	case Register:
		err = pk.decodeRegister(buf)
	case Regack, Puback:
		err = pk.decodeTopicAck(buf)
	case Publish:
		err = pk.decodePublish(buf)
	case Pubcomp, Pubrec, Pubrel, Unsuback:
		pk.MsgID, _, err = decodeUint16(buf, 0)
	case Subscribe, Unsubscribe:
		err = pk.decodeSubscribe(buf)
	case Suback:
		err = pk.decodeSuback(buf)
	case Pingreq:
		pk.ClientID, err = decodeString(buf, 0)
		if err != nil {
			err = ErrMalformedClientID
		}
	case Disconnect:
		if len(buf) > 0 {
			pk.Duration, _, err = decodeUint16(buf, 0)
			if err != nil {
				err = ErrMalformedDuration
			}
		}
	default:
		err = ErrUnsupportedPacketType
	}

	return pk, err
}

func (pk *Packet) decodeAdvertise(buf []byte) error {
	var offset int
	var err error
	pk.GatewayID, offset, err = decodeByte(buf, 0)
	if err != nil {
		return err
	}

	pk.Duration, _, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedDuration
	}
	return nil
}

func (pk *Packet) decodeConnect(buf []byte) error {
	flags, offset, err := decodeByte(buf, 0)
	if err != nil {
		return ErrMalformedFlags
	}
	pk.Flags = DecodeFlags(flags)

	pk.ProtocolID, offset, err = decodeByte(buf, offset)
	if err != nil || pk.ProtocolID != ProtocolID {
		return ErrMalformedProtocolID
	}

	pk.Duration, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedDuration
	}

	pk.ClientID, err = decodeString(buf, offset)
	if err != nil {
		return ErrMalformedClientID
	}

	return nil
}

// decodeWillTopic reads a will topic. An empty body is valid and asks for the will to be removed.
func (pk *Packet) decodeWillTopic(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	pk.Flags = DecodeFlags(buf[0])
	if pk.Flags.Qos > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	var err error
	pk.TopicName, err = decodeString(buf, 1)
	if err != nil {
		return ErrMalformedTopic
	}
	return nil
}

func (pk *Packet) decodeRegister(buf []byte) error {
	var offset int
	var err error
	pk.TopicID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return err
	}

	pk.MsgID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return err
	}

	pk.TopicName, err = decodeString(buf, offset)
	if err != nil {
		return ErrMalformedTopic
	}
	return nil
}

func (pk *Packet) decodeTopicAck(buf []byte) error {
	var offset int
	var err error
	pk.TopicID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return err
	}

	pk.MsgID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return err
	}

	pk.ReturnCode, _, err = decodeByte(buf, offset)
	return err
}

func (pk *Packet) decodePublish(buf []byte) error {
	flags, offset, err := decodeByte(buf, 0)
	if err != nil {
		return ErrMalformedFlags
	}
	pk.Flags = DecodeFlags(flags)

	pk.TopicID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return err
	}

	pk.MsgID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return err
	}

	pk.Payload = decodeRest(buf, offset)
	return nil
}

func (pk *Packet) decodeSubscribe(buf []byte) error {
	flags, offset, err := decodeByte(buf, 0)
	if err != nil {
		return ErrMalformedFlags
	}
	pk.Flags = DecodeFlags(flags)

	pk.MsgID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return err
	}

	if pk.Flags.TopicIDType == TopicIDTypePredefined {
		pk.TopicID, _, err = decodeUint16(buf, offset)
		return err
	}

	pk.TopicName, err = decodeString(buf, offset)
	if err != nil || pk.TopicName == "" {
		return ErrMalformedTopic
	}
	return nil
}

func (pk *Packet) decodeSuback(buf []byte) error {
	flags, offset, err := decodeByte(buf, 0)
	if err != nil {
		return ErrMalformedFlags
	}
	pk.Flags = DecodeFlags(flags)
	return pk.decodeTopicAck(buf[offset:])
}

// String returns a short readable description of the packet.
func (pk Packet) String() string {
	var sb strings.Builder
	sb.WriteString(Name(pk.Header.Type))

	field := func(k, v string) {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
	}

	switch pk.Header.Type {
	case Advertise:
		field("gw", strconv.Itoa(int(pk.GatewayID)))
		field("duration", strconv.Itoa(int(pk.Duration)))
	case GwInfo:
		field("gw", strconv.Itoa(int(pk.GatewayID)))
	case SearchGw:
		field("radius", strconv.Itoa(int(pk.Radius)))
	case Connect:
		field("client", pk.ClientID)
		field("duration", strconv.Itoa(int(pk.Duration)))
		field("will", strconv.FormatBool(pk.Flags.Will))
		field("clean", strconv.FormatBool(pk.Flags.CleanSession))
	case Connack, WillTopicResp, WillMsgResp:
		field("rc", strconv.Itoa(int(pk.ReturnCode)))
	case WillTopic, WillTopicUpd:
		field("topic", pk.TopicName)
		field("qos", strconv.Itoa(int(pk.Flags.Qos)))
	case WillMsg, WillMsgUpd:
		field("len", strconv.Itoa(len(pk.Payload)))
	case Pingreq:
		if pk.ClientID != "" {
			field("client", pk.ClientID)
		}
	case Disconnect:
		if pk.Duration > 0 {
			field("duration", strconv.Itoa(int(pk.Duration)))
		}
	}

	if pk.HasMsgID() {
		field("msgid", strconv.Itoa(int(pk.MsgID)))
	}

	return sb.String()
}
