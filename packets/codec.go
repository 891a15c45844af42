// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// decodeUint16 extracts the value of two bytes from a byte array.
func decodeUint16(buf []byte, offset int) (uint16, int, error) {
	if len(buf) < offset+2 {
		return 0, 0, ErrMalformedOffsetUintOutOfRange
	}

	return binary.BigEndian.Uint16(buf[offset : offset+2]), offset + 2, nil
}

// decodeByte extracts the value of a byte from a byte array.
func decodeByte(buf []byte, offset int) (byte, int, error) {
	if len(buf) <= offset {
		return 0, 0, ErrMalformedOffsetByteOutOfRange
	}
	return buf[offset], offset + 1, nil
}

// decodeRest returns a copy of the remaining bytes of buf from offset. MQTT-SN strings
// and payloads are not length-prefixed; they run to the end of the packet.
func decodeRest(buf []byte, offset int) []byte {
	if offset >= len(buf) {
		return []byte{}
	}
	out := make([]byte, len(buf)-offset)
	copy(out, buf[offset:])
	return out
}

// decodeString extracts the remaining bytes of buf as a utf-8 string.
func decodeString(buf []byte, offset int) (string, error) {
	b := decodeRest(buf, offset)
	if !validUTF8(b) {
		return "", ErrMalformedInvalidUTF8
	}
	return string(b), nil
}

// validUTF8 checks if the byte array contains valid UTF-8 characters.
func validUTF8(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0x00) == -1
}

// encodeUint16 encodes a uint16 value to a byte array.
func encodeUint16(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

// encodeHeader writes the length and type octets for a packet with a body
// of n bytes. Packets longer than 255 octets use the three octet length form.
func encodeHeader(buf *bytes.Buffer, kind byte, n int) error {
	if n+2 <= 0xFF {
		buf.WriteByte(byte(n + 2))
		buf.WriteByte(kind)
		return nil
	}

	if n+4 > MaxPacketSize {
		return ErrPacketTooLarge
	}

	buf.WriteByte(LongLengthIndicator)
	buf.Write(encodeUint16(uint16(n + 4)))
	buf.WriteByte(kind)
	return nil
}

// DecodeHeader reads the length and type octets from the start of a datagram.
// The declared length may not exceed the number of bytes available.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < 2 {
		return Header{}, ErrMalformedLength
	}

	if b[0] != LongLengthIndicator {
		h := Header{Length: int(b[0]), Type: b[1], size: 2}
		if h.Length < h.size || h.Length > len(b) {
			return h, ErrMalformedLength
		}
		return h, nil
	}

	if len(b) < 4 {
		return Header{}, ErrMalformedLength
	}

	h := Header{
		Length: int(binary.BigEndian.Uint16(b[1:3])),
		Type:   b[3],
		size:   4,
	}
	if h.Length < h.size || h.Length > len(b) {
		return h, ErrMalformedLength
	}

	return h, nil
}

// Dump returns the octets of a datagram as space separated upper case hex,
// in the form used by packet log lines.
func Dump(b []byte) string {
	var sb strings.Builder
	const digits = "0123456789ABCDEF"
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(digits[c>>4])
		sb.WriteByte(digits[c&0x0F])
	}
	return sb.String()
}
