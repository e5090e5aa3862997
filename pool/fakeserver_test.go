package pool

import (
	"net"
	"testing"

	"github.com/dbbouncer/asyncmy/protocol"
)

// fakeServer accepts every inbound TCP connection and runs a scripted
// MySQL handshake against it, mirroring conn package's own test harness
// (kept package-local since Codec internals aren't exported).
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T, handle func(codec *protocol.Codec)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer nc.Close()
				codec := protocol.NewCodec(nc, nc)
				handle(codec)
			}()
		}
	}()
	return fs
}

func (fs *fakeServer) addr() (string, int) {
	tcpAddr := fs.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func serverHandshake(codec *protocol.Codec) error {
	caps := uint32(protocol.BaseClientCapabilities)
	var buf []byte
	buf = append(buf, 10)
	buf = protocol.PutNullString(buf, "8.0.30-fake")
	buf = protocol.PutUint32LE(buf, 42)
	buf = append(buf, []byte("abcdefgh")...)
	buf = append(buf, 0)
	buf = protocol.PutUint16LE(buf, uint16(caps))
	buf = append(buf, 0x2d)
	buf = protocol.PutUint16LE(buf, 2)
	buf = protocol.PutUint16LE(buf, uint16(caps>>16))
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, []byte("ijklmnopqrst")...)
	buf = append(buf, 0)
	buf = protocol.PutNullString(buf, protocol.AuthNativePassword)
	if err := codec.WritePacket(buf); err != nil {
		return err
	}
	if _, err := codec.ReadPacket(); err != nil {
		return err
	}
	return serverSendOK(codec)
}

func serverSendOK(codec *protocol.Codec) error {
	buf := []byte{protocol.OKPacket, 0, 0, 0, 0, 0, 0}
	return codec.WritePacket(buf)
}

func serverSendErr(codec *protocol.Codec, code uint16, sqlState, msg string) error {
	var buf []byte
	buf = append(buf, protocol.ErrPacket)
	buf = protocol.PutUint16LE(buf, code)
	buf = append(buf, '#')
	buf = append(buf, []byte(sqlState)...)
	buf = append(buf, []byte(msg)...)
	return codec.WritePacket(buf)
}

// runFullConn keeps accepting command packets and responding OK,
// simulating an always-available live connection. It closes when
// the client sends COM_QUIT or the socket errors.
func runFullConn(codec *protocol.Codec) {
	if err := serverHandshake(codec); err != nil {
		return
	}
	for {
		codec.ResetSeq()
		payload, err := codec.ReadPacket()
		if err != nil {
			return
		}
		if len(payload) > 0 && payload[0] == protocol.ComQuit {
			return
		}
		if err := serverSendOK(codec); err != nil {
			return
		}
	}
}
