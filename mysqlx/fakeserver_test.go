package mysqlx

import (
	"net"
	"strings"
	"testing"

	"github.com/dbbouncer/asyncmy/protocol"
)

// fakeServer is a scripted MySQL server driving the full Client stack
// (pool -> conn -> protocol) over real TCP, mirroring the conn package's
// own test harness (Codec internals aren't exported across packages).
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
	return codec.WritePacket([]byte{protocol.OKPacket, 0, 0, 0, 0, 0, 0})
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

func eofPayload() []byte {
	return []byte{protocol.EOFPacket, 0, 0, 0, 0}
}

func buildColumnDefPayload(name string, typ protocol.FieldType) []byte {
	var buf []byte
	buf = protocol.PutLenencString(buf, []byte("def"))
	buf = protocol.PutLenencString(buf, []byte("testdb"))
	buf = protocol.PutLenencString(buf, []byte("t"))
	buf = protocol.PutLenencString(buf, []byte("t"))
	buf = protocol.PutLenencString(buf, []byte(name))
	buf = protocol.PutLenencString(buf, []byte(name))
	buf = protocol.PutLenencInt(buf, 0x0c)
	buf = protocol.PutUint16LE(buf, 45)
	buf = protocol.PutUint32LE(buf, 100)
	buf = append(buf, byte(typ))
	buf = protocol.PutUint16LE(buf, 0)
	buf = append(buf, 0)
	buf = protocol.PutUint16LE(buf, 0)
	return buf
}

func serverSendSimpleSelect(codec *protocol.Codec, col, value string) error {
	var header []byte
	header = protocol.PutLenencInt(header, 1)
	if err := codec.WritePacket(header); err != nil {
		return err
	}
	if err := codec.WritePacket(buildColumnDefPayload(col, protocol.TypeVarString)); err != nil {
		return err
	}
	if err := codec.WritePacket(eofPayload()); err != nil {
		return err
	}
	if err := codec.WritePacket(protocol.PutLenencString(nil, []byte(value))); err != nil {
		return err
	}
	return codec.WritePacket(eofPayload())
}

// runSelectOneServer keeps accepting top-level commands and answers
// every COM_QUERY with a single-row "SELECT 1 AS one" result, every
// COM_PING with OK, and anything else with OK. It stops on COM_QUIT.
func runSelectOneServer(codec *protocol.Codec) {
	if err := serverHandshake(codec); err != nil {
		return
	}
	for {
		codec.ResetSeq()
		payload, err := codec.ReadPacket()
		if err != nil {
			return
		}
		if len(payload) == 0 {
			return
		}
		switch payload[0] {
		case protocol.ComQuit:
			return
		case protocol.ComQuery:
			sql := string(payload[1:])
			if strings.Contains(strings.ToUpper(sql), "SELECT") {
				if err := serverSendSimpleSelect(codec, "one", "1"); err != nil {
					return
				}
				continue
			}
			if err := serverSendOK(codec); err != nil {
				return
			}
		default:
			if err := serverSendOK(codec); err != nil {
				return
			}
		}
	}
}

// runFlakyServer answers with ERR for the first failCount connections,
// then behaves like runSelectOneServer thereafter.
func runFlakyServer(fail *int) func(codec *protocol.Codec) {
	return func(codec *protocol.Codec) {
		if *fail > 0 {
			*fail--
			serverSendErr(codec, 2003, "HY000", "Can't connect")
			return
		}
		runSelectOneServer(codec)
	}
}
