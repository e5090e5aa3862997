package statusapi

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbouncer/asyncmy/config"
	"github.com/dbbouncer/asyncmy/metrics"
	"github.com/dbbouncer/asyncmy/mysqlx"
	"github.com/dbbouncer/asyncmy/protocol"
)

// startFakeServer runs a minimal scripted MySQL backend so Server's
// handlers can drive a real mysqlx.Client end to end, mirroring the
// harness used in package conn/mysqlx's own tests.
func startFakeServer(t *testing.T, healthy bool) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
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
				if !healthy {
					buf := []byte{protocol.ErrPacket}
					buf = protocol.PutUint16LE(buf, 1040)
					buf = append(buf, '#')
					buf = append(buf, []byte("08004")...)
					buf = append(buf, []byte("Too many connections")...)
					codec.WritePacket(buf)
					return
				}
				caps := uint32(protocol.BaseClientCapabilities)
				var hs []byte
				hs = append(hs, 10)
				hs = protocol.PutNullString(hs, "8.0.30-fake")
				hs = protocol.PutUint32LE(hs, 42)
				hs = append(hs, []byte("abcdefgh")...)
				hs = append(hs, 0)
				hs = protocol.PutUint16LE(hs, uint16(caps))
				hs = append(hs, 0x2d)
				hs = protocol.PutUint16LE(hs, 2)
				hs = protocol.PutUint16LE(hs, uint16(caps>>16))
				hs = append(hs, 21)
				hs = append(hs, make([]byte, 10)...)
				hs = append(hs, []byte("ijklmnopqrst")...)
				hs = append(hs, 0)
				hs = protocol.PutNullString(hs, protocol.AuthNativePassword)
				if err := codec.WritePacket(hs); err != nil {
					return
				}
				if _, err := codec.ReadPacket(); err != nil {
					return
				}
				codec.WritePacket([]byte{protocol.OKPacket, 0, 0, 0, 0, 0, 0})

				for {
					codec.ResetSeq()
					payload, err := codec.ReadPacket()
					if err != nil {
						return
					}
					if len(payload) == 0 || payload[0] == protocol.ComQuit {
						return
					}
					codec.WritePacket([]byte{protocol.OKPacket, 0, 0, 0, 0, 0, 0})
				}
			}()
		}
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func testClient(t *testing.T, healthy bool) *mysqlx.Client {
	host, port := startFakeServer(t, healthy)
	cl, err := mysqlx.New(config.ConnectionParams{
		Host:           host,
		Port:           port,
		User:           "root",
		Password:       "hunter2",
		ConnectTimeout: 2 * time.Second,
		SSLMode:        config.SSLDisabled,
		MaxConnections: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestStatusHandlerReportsUptimeAndRuntime(t *testing.T) {
	cl := testClient(t, true)
	s := NewServer(cl, nil, nil)

	rec := httptest.NewRecorder()
	s.statusHandler(rec, nil)
	assert.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "go_version")
	assert.Contains(t, body, "goroutines")
}

func TestHealthHandlerUsesMonitorWhenPresent(t *testing.T) {
	cl := testClient(t, true)
	m := mysqlx.NewMonitor(cl, 10*time.Millisecond, 1, time.Second)
	m.Start()
	defer m.Stop()
	assert.Eventually(t, func() bool { return m.IsHealthy() }, time.Second, 5*time.Millisecond)

	s := NewServer(cl, m, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.healthHandler(rec, req)
	assert.Equal(t, 200, rec.Code)

	var snap mysqlx.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "healthy", snap.Status)
}

func TestHealthHandlerFallsBackToClientHealthCheck(t *testing.T) {
	cl := testClient(t, true)
	s := NewServer(cl, nil, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.healthHandler(rec, req)
	assert.Equal(t, 200, rec.Code)

	var result mysqlx.HealthCheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Healthy)
}

func TestHealthHandlerReportsUnhealthyBackend(t *testing.T) {
	cl := testClient(t, false)
	s := NewServer(cl, nil, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.healthHandler(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestReadyHandlerReflectsPingOutcome(t *testing.T) {
	cl := testClient(t, true)
	s := NewServer(cl, nil, nil)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	s.readyHandler(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestReadyHandlerReportsNotReadyOnDialFailure(t *testing.T) {
	cl := testClient(t, false)
	s := NewServer(cl, nil, nil)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	s.readyHandler(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestStatsHandlerReportsPoolStats(t *testing.T) {
	cl := testClient(t, true)
	s := NewServer(cl, nil, nil)

	rec := httptest.NewRecorder()
	s.statsHandler(rec, nil)
	assert.Equal(t, 200, rec.Code)

	var stats mysqlx.GetStatsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	cl := testClient(t, true)
	s := NewServer(cl, nil, nil)
	assert.NoError(t, s.Stop())
}

func TestMetricsEnabledWhenCollectorProvided(t *testing.T) {
	cl := testClient(t, true)
	m := metrics.New()
	s := NewServer(cl, nil, m)
	assert.NotNil(t, s.metrics)
}
