// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// TPacketCase contains data for cross-checking the encoding and decoding
// of packets and expected scenarios.
type TPacketCase struct {
	RawBytes []byte  // the bytes that make the packet
	Desc     string  // a description of the test
	Packet   *Packet // the packet that is expected
	Expect   error   // expected decode failure, if any
	NoEncode bool    // the raw bytes are not the canonical encoding of the packet
	Case     byte    // the identifying byte of the case
}

// TPacketCases is a slice of TPacketCase.
type TPacketCases []TPacketCase

// Get returns a case matching a given T byte.
func (f TPacketCases) Get(b byte) TPacketCase {
	for _, v := range f {
		if v.Case == b {
			return v
		}
	}

	return TPacketCase{}
}

const (
	TAdvertise byte = iota
	TSearchGw
	TGwInfo
	TConnect
	TConnectWill
	TConnectMalProtocolID
	TConnectMalDuration
	TConnack
	TConnackCongestion
	TWillTopicReq
	TWillTopic
	TWillTopicEmpty
	TWillTopicMalQos
	TWillMsgReq
	TWillMsg
	TRegister
	TPublish
	TPingreq
	TPingreqClientID
	TPingresp
	TDisconnect
	TDisconnectDuration
	TWillTopicUpd
	TWillTopicResp
	TWillMsgUpd
	TWillMsgResp
	TSubscribe
	TLongLength
	TMalShortLength
	TMalDeclaredLength
	TUnsupported
)

// TPacketData contains individual encoding and decoding scenarios for each packet type.
var TPacketData = map[byte]TPacketCases{
	Advertise: {
		{
			Case:     TAdvertise,
			Desc:     "advertise",
			RawBytes: []byte{0x05, Advertise, 0x01, 0x03, 0x84},
			Packet:   &Packet{Header: Header{Length: 5, Type: Advertise, size: 2}, GatewayID: 1, Duration: 900},
		},
	},
	SearchGw: {
		{
			Case:     TSearchGw,
			Desc:     "searchgw",
			RawBytes: []byte{0x03, SearchGw, 0x00},
			Packet:   &Packet{Header: Header{Length: 3, Type: SearchGw, size: 2}},
		},
	},
	GwInfo: {
		{
			Case:     TGwInfo,
			Desc:     "gwinfo",
			RawBytes: []byte{0x03, GwInfo, 0x07},
			Packet:   &Packet{Header: Header{Length: 3, Type: GwInfo, size: 2}, GatewayID: 7, GatewayAddress: []byte{}},
		},
	},
	Connect: {
		{
			Case: TConnect,
			Desc: "connect clean",
			RawBytes: []byte{
				0x0C, Connect, 0x04, 0x01, 0x00, 0x3C,
				's', 'e', 'n', 's', 'o', 'r',
			},
			Packet: &Packet{
				Header:     Header{Length: 12, Type: Connect, size: 2},
				Flags:      Flags{CleanSession: true},
				ProtocolID: ProtocolID,
				Duration:   60,
				ClientID:   "sensor",
			},
		},
		{
			Case: TConnectWill,
			Desc: "connect with will",
			RawBytes: []byte{
				0x0A, Connect, 0x0C, 0x01, 0x00, 0x1E,
				'n', 'o', 'd', 'e',
			},
			Packet: &Packet{
				Header:     Header{Length: 10, Type: Connect, size: 2},
				Flags:      Flags{Will: true, CleanSession: true},
				ProtocolID: ProtocolID,
				Duration:   30,
				ClientID:   "node",
			},
		},
		{
			Case:     TConnectMalProtocolID,
			Desc:     "malformed protocol id",
			RawBytes: []byte{0x07, Connect, 0x04, 0x02, 0x00, 0x3C, 'a'},
			Expect:   ErrMalformedProtocolID,
			NoEncode: true,
		},
		{
			Case:     TConnectMalDuration,
			Desc:     "malformed duration",
			RawBytes: []byte{0x05, Connect, 0x04, 0x01, 0x00},
			Expect:   ErrMalformedDuration,
			NoEncode: true,
		},
	},
	Connack: {
		{
			Case:     TConnack,
			Desc:     "connack accepted",
			RawBytes: []byte{0x03, Connack, 0x00},
			Packet:   &Packet{Header: Header{Length: 3, Type: Connack, size: 2}, ReturnCode: CodeAccepted.Code},
		},
		{
			Case:     TConnackCongestion,
			Desc:     "connack congestion",
			RawBytes: []byte{0x03, Connack, 0x01},
			Packet:   &Packet{Header: Header{Length: 3, Type: Connack, size: 2}, ReturnCode: CodeRejectedCongestion.Code},
		},
	},
	WillTopicReq: {
		{
			Case:     TWillTopicReq,
			Desc:     "willtopicreq",
			RawBytes: []byte{0x02, WillTopicReq},
			Packet:   &Packet{Header: Header{Length: 2, Type: WillTopicReq, size: 2}},
		},
	},
	WillTopic: {
		{
			Case:     TWillTopic,
			Desc:     "willtopic qos 1 retain",
			RawBytes: []byte{0x08, WillTopic, 0x30, 'a', '/', 'b', '/', 'c'},
			Packet: &Packet{
				Header:    Header{Length: 8, Type: WillTopic, size: 2},
				Flags:     Flags{Qos: 1, Retain: true},
				TopicName: "a/b/c",
			},
		},
		{
			Case:     TWillTopicEmpty,
			Desc:     "empty willtopic",
			RawBytes: []byte{0x02, WillTopic},
			Packet:   &Packet{Header: Header{Length: 2, Type: WillTopic, size: 2}},
		},
		{
			Case:     TWillTopicMalQos,
			Desc:     "willtopic qos -1",
			RawBytes: []byte{0x04, WillTopic, 0x60, 'a'},
			Expect:   ErrProtocolViolationQosOutOfRange,
			NoEncode: true,
		},
	},
	WillMsgReq: {
		{
			Case:     TWillMsgReq,
			Desc:     "willmsgreq",
			RawBytes: []byte{0x02, WillMsgReq},
			Packet:   &Packet{Header: Header{Length: 2, Type: WillMsgReq, size: 2}},
		},
	},
	WillMsg: {
		{
			Case:     TWillMsg,
			Desc:     "willmsg",
			RawBytes: []byte{0x06, WillMsg, 'g', 'o', 'n', 'e'},
			Packet:   &Packet{Header: Header{Length: 6, Type: WillMsg, size: 2}, Payload: []byte("gone")},
		},
	},
	Register: {
		{
			Case:     TRegister,
			Desc:     "register",
			RawBytes: []byte{0x09, Register, 0x00, 0x00, 0x00, 0x05, 't', '/', '1'},
			Packet: &Packet{
				Header:    Header{Length: 9, Type: Register, size: 2},
				MsgID:     5,
				TopicName: "t/1",
			},
		},
	},
	Publish: {
		{
			Case:     TPublish,
			Desc:     "publish qos 1",
			RawBytes: []byte{0x09, Publish, 0x20, 0x00, 0x01, 0x00, 0x02, 'h', 'i'},
			Packet: &Packet{
				Header:  Header{Length: 9, Type: Publish, size: 2},
				Flags:   Flags{Qos: 1},
				TopicID: 1,
				MsgID:   2,
				Payload: []byte("hi"),
			},
		},
	},
	Pingreq: {
		{
			Case:     TPingreq,
			Desc:     "pingreq",
			RawBytes: []byte{0x02, Pingreq},
			Packet:   &Packet{Header: Header{Length: 2, Type: Pingreq, size: 2}},
		},
		{
			Case:     TPingreqClientID,
			Desc:     "pingreq with client id",
			RawBytes: []byte{0x04, Pingreq, 'i', 'd'},
			Packet:   &Packet{Header: Header{Length: 4, Type: Pingreq, size: 2}, ClientID: "id"},
		},
	},
	Pingresp: {
		{
			Case:     TPingresp,
			Desc:     "pingresp",
			RawBytes: []byte{0x02, Pingresp},
			Packet:   &Packet{Header: Header{Length: 2, Type: Pingresp, size: 2}},
		},
	},
	Disconnect: {
		{
			Case:     TDisconnect,
			Desc:     "disconnect",
			RawBytes: []byte{0x02, Disconnect},
			Packet:   &Packet{Header: Header{Length: 2, Type: Disconnect, size: 2}},
		},
		{
			Case:     TDisconnectDuration,
			Desc:     "disconnect with sleep duration",
			RawBytes: []byte{0x04, Disconnect, 0x00, 0x0A},
			Packet:   &Packet{Header: Header{Length: 4, Type: Disconnect, size: 2}, Duration: 10},
		},
	},
	WillTopicUpd: {
		{
			Case:     TWillTopicUpd,
			Desc:     "willtopicupd",
			RawBytes: []byte{0x04, WillTopicUpd, 0x00, 'x'},
			Packet:   &Packet{Header: Header{Length: 4, Type: WillTopicUpd, size: 2}, TopicName: "x"},
			NoEncode: true,
		},
	},
	WillTopicResp: {
		{
			Case:     TWillTopicResp,
			Desc:     "willtopicresp not supported",
			RawBytes: []byte{0x03, WillTopicResp, 0x03},
			Packet:   &Packet{Header: Header{Length: 3, Type: WillTopicResp, size: 2}, ReturnCode: CodeRejectedNotSupported.Code},
		},
	},
	WillMsgUpd: {
		{
			Case:     TWillMsgUpd,
			Desc:     "willmsgupd",
			RawBytes: []byte{0x03, WillMsgUpd, 'z'},
			Packet:   &Packet{Header: Header{Length: 3, Type: WillMsgUpd, size: 2}, Payload: []byte("z")},
		},
	},
	WillMsgResp: {
		{
			Case:     TWillMsgResp,
			Desc:     "willmsgresp not supported",
			RawBytes: []byte{0x03, WillMsgResp, 0x03},
			Packet:   &Packet{Header: Header{Length: 3, Type: WillMsgResp, size: 2}, ReturnCode: CodeRejectedNotSupported.Code},
		},
	},
	Subscribe: {
		{
			Case:     TSubscribe,
			Desc:     "subscribe by name",
			RawBytes: []byte{0x08, Subscribe, 0x20, 0x00, 0x09, 'a', '/', '#'},
			Packet: &Packet{
				Header:    Header{Length: 8, Type: Subscribe, size: 2},
				Flags:     Flags{Qos: 1},
				MsgID:     9,
				TopicName: "a/#",
			},
		},
	},
}

// TPacketMalformed contains datagrams which cannot be framed.
var TPacketMalformed = TPacketCases{
	{
		Case:     TMalShortLength,
		Desc:     "single byte",
		RawBytes: []byte{0x02},
		Expect:   ErrMalformedLength,
	},
	{
		Case:     TMalDeclaredLength,
		Desc:     "declared length exceeds datagram",
		RawBytes: []byte{0x09, Connect, 0x04, 0x01},
		Expect:   ErrMalformedLength,
	},
	{
		Case:     TUnsupported,
		Desc:     "encapsulated",
		RawBytes: []byte{0x03, Encapsulated, 0x00},
		Expect:   ErrUnsupportedPacketType,
	},
}
