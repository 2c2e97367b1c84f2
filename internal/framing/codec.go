// Package framing implements the reliable-channel wire codec: a 4-byte
// big-endian length prefix followed by that many body bytes. Datagrams on
// the unreliable channel carry no prefix — the datagram boundary IS the
// frame boundary — so this package only concerns the reliable stream.
package framing

import "encoding/binary"

// HeaderLen is the size in bytes of the length prefix.
const HeaderLen = 4

// DefaultMaxBodyLength is used when a caller has not configured one.
const DefaultMaxBodyLength = 64 * 1024

// PutHeader encodes length into the first HeaderLen bytes of dst, which
// must have length >= HeaderLen.
func PutHeader(dst []byte, length uint32) {
	binary.BigEndian.PutUint32(dst, length)
}

// Header decodes a HeaderLen-byte big-endian length prefix.
func Header(src []byte) uint32 {
	return binary.BigEndian.Uint32(src)
}

// AuthTokenLen is the size in bytes of the handshake AuthToken on both
// channels.
const AuthTokenLen = 8

// PutAuthToken encodes an AuthToken as 8 big-endian bytes into dst, which
// must have length >= AuthTokenLen.
func PutAuthToken(dst []byte, token uint64) {
	binary.BigEndian.PutUint64(dst, token)
}

// AuthToken decodes an 8-byte big-endian AuthToken.
func AuthToken(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}
