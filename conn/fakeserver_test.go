package conn

import (
	"net"
	"testing"

	"github.com/dbbouncer/asyncmy/protocol"
)

// fakeServer is a minimal scripted MySQL server for exercising Connection
// against real TCP, net.Pipe-adjacent in spirit to the teacher's own
// pool tests but driving the real wire codec instead of a bare net.Conn.
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
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		codec := protocol.NewCodec(nc, nc)
		handle(codec)
	}()
	t.Cleanup(func() { ln.Close() })
	return fs
}

func (fs *fakeServer) addr() (string, int) {
	tcpAddr := fs.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

// serverHandshake writes a HandshakeV10 for plugin, reads (and discards)
// the client's HandshakeResponse41, and writes a plain OK — enough to
// drive Connect to StateReady without validating the password, since
// these tests exercise command dispatch, not auth plugin math (that is
// covered directly in package auth's tests).
func serverHandshake(codec *protocol.Codec, plugin string) error {
	caps := uint32(protocol.BaseClientCapabilities)
	var buf []byte
	buf = append(buf, 10)
	buf = protocol.PutNullString(buf, "8.0.30-fake")
	buf = protocol.PutUint32LE(buf, 42)
	buf = append(buf, []byte("abcdefgh")...)
	buf = append(buf, 0)
	buf = protocol.PutUint16LE(buf, uint16(caps))
	buf = append(buf, 0x2d)
	buf = protocol.PutUint16LE(buf, uint16(protocol.StatusAutocommit))
	buf = protocol.PutUint16LE(buf, uint16(caps>>16))
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, []byte("ijklmnopqrst")...)
	buf = append(buf, 0)
	buf = protocol.PutNullString(buf, plugin)
	if err := codec.WritePacket(buf); err != nil {
		return err
	}

	if _, err := codec.ReadPacket(); err != nil {
		return err
	}
	return serverSendOK(codec)
}

func serverSendOK(codec *protocol.Codec) error {
	buf := []byte{protocol.OKPacket}
	buf = protocol.PutLenencInt(buf, 0)
	buf = protocol.PutLenencInt(buf, 0)
	buf = protocol.PutUint16LE(buf, uint16(protocol.StatusAutocommit))
	buf = protocol.PutUint16LE(buf, 0)
	return codec.WritePacket(buf)
}

func serverSendErr(codec *protocol.Codec, code uint16, sqlState, msg string) error {
	buf := []byte{protocol.ErrPacket}
	buf = protocol.PutUint16LE(buf, code)
	buf = append(buf, '#')
	buf = append(buf, sqlState...)
	buf = append(buf, msg...)
	return codec.WritePacket(buf)
}

// serverSendSimpleSelect writes a single-column, single-row text result
// set ("col" => value) followed by EOF.
func serverSendSimpleSelect(codec *protocol.Codec, col, value string) error {
	var header []byte
	header = protocol.PutLenencInt(header, 1)
	if err := codec.WritePacket(header); err != nil {
		return err
	}
	colDef := buildColumnDefPayload(col, protocol.TypeVarString)
	if err := codec.WritePacket(colDef); err != nil {
		return err
	}
	if err := codec.WritePacket(eofPayload()); err != nil {
		return err
	}
	row := protocol.PutLenencString(nil, []byte(value))
	if err := codec.WritePacket(row); err != nil {
		return err
	}
	return codec.WritePacket(eofPayload())
}

func eofPayload() []byte {
	buf := []byte{protocol.EOFPacket}
	buf = protocol.PutUint16LE(buf, 0)
	buf = protocol.PutUint16LE(buf, uint16(protocol.StatusAutocommit))
	return buf
}

func buildColumnDefPayload(name string, typ protocol.FieldType) []byte {
	var buf []byte
	buf = protocol.PutLenencString(buf, []byte("def"))
	buf = protocol.PutLenencString(buf, []byte("db"))
	buf = protocol.PutLenencString(buf, []byte("t"))
	buf = protocol.PutLenencString(buf, []byte("t"))
	buf = protocol.PutLenencString(buf, []byte(name))
	buf = protocol.PutLenencString(buf, []byte(name))
	buf = protocol.PutLenencInt(buf, 0x0c)
	buf = protocol.PutUint16LE(buf, 33)
	buf = protocol.PutUint32LE(buf, 100)
	buf = append(buf, byte(typ))
	buf = protocol.PutUint16LE(buf, 0)
	buf = append(buf, 0)
	buf = append(buf, 0, 0)
	return buf
}
