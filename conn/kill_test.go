package conn

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbouncer/asyncmy/protocol"
)

func TestKillDispatchesQueryOverSideChannel(t *testing.T) {
	var gotSQL string
	killServer := startFakeServer(t, func(codec *protocol.Codec) {
		if err := serverHandshake(codec, protocol.AuthNativePassword); err != nil {
			return
		}
		codec.ResetSeq()
		payload, err := codec.ReadPacket()
		if err != nil {
			return
		}
		gotSQL = string(payload[1:])
		serverSendOK(codec)
		codec.ResetSeq()
		codec.ReadPacket() // COM_QUIT
	})

	params := testParams(t, killServer)
	params.ServerSideCancellation = true

	require.NoError(t, DispatchKillQuery(context.Background(), params, 55))
	assert.True(t, strings.Contains(gotSQL, "KILL QUERY 55"))
}

func TestKillMarksConnectionCancelledAndDispatches(t *testing.T) {
	var gotSQL string
	killServer := startFakeServer(t, func(codec *protocol.Codec) {
		if err := serverHandshake(codec, protocol.AuthNativePassword); err != nil {
			return
		}
		codec.ResetSeq()
		payload, err := codec.ReadPacket()
		if err != nil {
			return
		}
		gotSQL = string(payload[1:])
		serverSendOK(codec)
		codec.ResetSeq()
		codec.ReadPacket() // COM_QUIT
	})

	mainServer := startFakeServer(t, func(codec *protocol.Codec) {
		serverHandshake(codec, protocol.AuthNativePassword)
	})

	c, err := Connect(context.Background(), testParams(t, mainServer))
	require.NoError(t, err)
	defer c.Close()
	c.threadID = 55
	c.params.ServerSideCancellation = true
	c.params.Host, c.params.Port = killServer.addr()

	require.NoError(t, c.Kill(context.Background()))
	assert.True(t, strings.Contains(gotSQL, "KILL QUERY 55"))
	assert.True(t, c.WasQueryCancelled())
}

func TestKillNoOpWhenServerSideCancellationDisabled(t *testing.T) {
	fs := startFakeServer(t, func(codec *protocol.Codec) {
		serverHandshake(codec, protocol.AuthNativePassword)
	})

	c, err := Connect(context.Background(), testParams(t, fs))
	require.NoError(t, err)
	defer c.Close()
	c.params.ServerSideCancellation = false

	require.NoError(t, c.Kill(context.Background()))
	assert.False(t, c.WasQueryCancelled())
}
