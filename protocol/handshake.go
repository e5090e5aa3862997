package protocol

import (
	"encoding/binary"
	"fmt"
)

// Handshake holds the fields captured from the server's initial
// HandshakeV10 packet (§4.2 step 2).
type Handshake struct {
	ServerVersion   string
	ThreadID        uint32
	Capabilities    uint32
	Charset         byte
	StatusFlags     uint16
	AuthPluginName  string
	AuthPluginData  []byte // 20-byte scramble: part1 ++ part2, terminator stripped
}

// ParseHandshakeV10 parses the server's initial handshake packet.
func ParseHandshakeV10(data []byte) (Handshake, error) {
	var h Handshake
	if len(data) < 1 {
		return h, fmt.Errorf("handshake: empty packet")
	}
	protoVersion := data[0]
	if protoVersion != 10 {
		return h, fmt.Errorf("handshake: unsupported protocol version %d", protoVersion)
	}
	pos := 1

	verEnd := pos
	for verEnd < len(data) && data[verEnd] != 0 {
		verEnd++
	}
	h.ServerVersion = string(data[pos:verEnd])
	pos = verEnd + 1

	if pos+4 > len(data) {
		return h, fmt.Errorf("handshake: truncated thread id")
	}
	h.ThreadID = binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4

	if pos+8 > len(data) {
		return h, fmt.Errorf("handshake: truncated auth-plugin-data-1")
	}
	scramble := append([]byte{}, data[pos:pos+8]...)
	pos += 8
	pos++ // filler 0x00

	if pos+2 > len(data) {
		return h, fmt.Errorf("handshake: truncated capability flags (low)")
	}
	capLow := uint32(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2

	if pos < len(data) {
		h.Charset = data[pos]
		pos++
	}
	if pos+2 <= len(data) {
		h.StatusFlags = binary.LittleEndian.Uint16(data[pos : pos+2])
		pos += 2
	}
	var capHigh uint32
	if pos+2 <= len(data) {
		capHigh = uint32(binary.LittleEndian.Uint16(data[pos:pos+2])) << 16
		pos += 2
	}
	h.Capabilities = capLow | capHigh

	var authDataLen int
	if pos < len(data) {
		authDataLen = int(data[pos])
		pos++
	}
	pos += 10 // reserved

	if h.Capabilities&uint32(ClientSecureConnection) != 0 {
		rest := authDataLen - 8
		if rest < 13 {
			rest = 13
		}
		end := pos + rest
		if end > len(data) {
			end = len(data)
		}
		part2 := data[pos:end]
		// Trim the single 0x00 terminator byte if present, per spec.
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		scramble = append(scramble, part2...)
		pos = end
	}
	h.AuthPluginData = scramble

	if h.Capabilities&uint32(ClientPluginAuth) != 0 && pos < len(data) {
		nameEnd := pos
		for nameEnd < len(data) && data[nameEnd] != 0 {
			nameEnd++
		}
		h.AuthPluginName = string(data[pos:nameEnd])
	}
	if h.AuthPluginName == "" {
		h.AuthPluginName = AuthNativePassword
	}
	return h, nil
}

// SSLRequest builds the 32-byte SSLRequest payload sent before upgrading
// to TLS (§4.2 step 4).
func SSLRequest(capabilities uint32, charset byte) []byte {
	buf := make([]byte, 0, 32)
	buf = PutUint32LE(buf, capabilities)
	buf = PutUint32LE(buf, 16*1024*1024)
	buf = append(buf, charset)
	buf = append(buf, make([]byte, 23)...)
	return buf
}

// HandshakeResponse41Params are the fields needed to build a
// HandshakeResponse41 payload (§4.2 step 6).
type HandshakeResponse41Params struct {
	Capabilities   uint32
	Charset        byte
	Username       string
	AuthResponse   []byte
	Database       string
	AuthPluginName string
}

// BuildHandshakeResponse41 encodes the client's handshake response.
func BuildHandshakeResponse41(p HandshakeResponse41Params) []byte {
	buf := make([]byte, 0, 64+len(p.Username)+len(p.AuthResponse)+len(p.Database))
	buf = PutUint32LE(buf, p.Capabilities)
	buf = PutUint32LE(buf, 16*1024*1024)
	buf = append(buf, p.Charset)
	buf = append(buf, make([]byte, 23)...)
	buf = PutNullString(buf, p.Username)

	if p.Capabilities&uint32(ClientPluginAuthLenencClientData) != 0 {
		buf = PutLenencString(buf, p.AuthResponse)
	} else {
		buf = append(buf, byte(len(p.AuthResponse)))
		buf = append(buf, p.AuthResponse...)
	}

	if p.Capabilities&uint32(ClientConnectWithDB) != 0 {
		buf = PutNullString(buf, p.Database)
	}
	if p.Capabilities&uint32(ClientPluginAuth) != 0 {
		buf = PutNullString(buf, p.AuthPluginName)
	}
	return buf
}
