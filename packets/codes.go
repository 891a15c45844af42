// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code contains a return code and reason string for a response or failure.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

var (
	// ReturnCodes maps the return code byte of an ack packet to its Code.
	ReturnCodes = map[byte]Code{
		0x00: CodeAccepted,
		0x01: CodeRejectedCongestion,
		0x02: CodeRejectedInvalidTopicID,
		0x03: CodeRejectedNotSupported,
	}

	CodeAccepted               = Code{Code: 0x00, Reason: "accepted"}
	CodeRejectedCongestion     = Code{Code: 0x01, Reason: "rejected: congestion"}
	CodeRejectedInvalidTopicID = Code{Code: 0x02, Reason: "rejected: invalid topic id"}
	CodeRejectedNotSupported   = Code{Code: 0x03, Reason: "rejected: not supported"}

	ErrMalformedPacket                = Code{Code: 0xF0, Reason: "malformed packet"}
	ErrMalformedLength                = Code{Code: 0xF0, Reason: "malformed packet: length"}
	ErrMalformedFlags                 = Code{Code: 0xF0, Reason: "malformed packet: flags"}
	ErrMalformedProtocolID            = Code{Code: 0xF0, Reason: "malformed packet: protocol id"}
	ErrMalformedDuration              = Code{Code: 0xF0, Reason: "malformed packet: duration"}
	ErrMalformedClientID              = Code{Code: 0xF0, Reason: "malformed packet: client id"}
	ErrMalformedTopic                 = Code{Code: 0xF0, Reason: "malformed packet: topic"}
	ErrMalformedOffsetUintOutOfRange  = Code{Code: 0xF0, Reason: "malformed packet: offset uint out of range"}
	ErrMalformedOffsetByteOutOfRange  = Code{Code: 0xF0, Reason: "malformed packet: offset byte out of range"}
	ErrMalformedInvalidUTF8           = Code{Code: 0xF0, Reason: "malformed packet: invalid utf-8 string"}
	ErrUnsupportedPacketType          = Code{Code: 0xF1, Reason: "unsupported packet type"}
	ErrPacketTooLarge                 = Code{Code: 0xF2, Reason: "packet too large"}
	ErrProtocolViolationQosOutOfRange = Code{Code: 0xF3, Reason: "protocol violation: qos out of range"}
)
