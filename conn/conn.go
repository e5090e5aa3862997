// Package conn implements one live MySQL session: establishment
// (handshake, capability negotiation, STARTTLS upgrade, authentication),
// the single-command-at-a-time dispatch discipline, and the command
// handlers built on top of package protocol's codec (§4.2-§4.6).
package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dbbouncer/asyncmy/config"
	"github.com/dbbouncer/asyncmy/metrics"
	"github.com/dbbouncer/asyncmy/mysqlerr"
	"github.com/dbbouncer/asyncmy/protocol"
	"github.com/dbbouncer/asyncmy/protocol/auth"
)

// clientCharsetUTF8MB4General is utf8mb4_general_ci, sent in every
// HandshakeResponse41 (§4.2 step 6).
const clientCharsetUTF8MB4General byte = 45

// Connection is one live TCP session speaking the MySQL wire protocol.
// Exactly one command may be in flight at a time; Connection itself
// enforces that with mu, the Go stand-in for the spec's single-threaded
// per-connection command queue.
type Connection struct {
	mu sync.Mutex

	id     string
	params config.ConnectionParams

	netConn net.Conn
	codec   *protocol.Codec
	metrics *metrics.Collector

	state        State
	threadID     uint32
	capabilities uint32
	tlsActive    bool
	deprecateEOF bool

	wasQueryCancelled atomic.Bool

	createdAt  time.Time
	lastUsedAt time.Time

	closeOnce  sync.Once
	closeHooks []func()
}

// ID returns the connection's correlation id, used in logs and in the
// kill side-channel so a dispatched KILL can be traced back to the
// query that triggered it.
func (c *Connection) ID() string { return c.id }

// ThreadID returns the server-assigned thread id captured from the
// initial handshake, the target of KILL QUERY.
func (c *Connection) ThreadID() uint32 { return c.threadID }

// State returns the connection's current FSM state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt / LastUsedAt back the pool's idle-timeout/max-lifetime checks.
func (c *Connection) CreatedAt() time.Time  { return c.createdAt }
func (c *Connection) LastUsedAt() time.Time { return c.lastUsedAt }
func (c *Connection) Touch()                { c.lastUsedAt = time.Now() }

// WasQueryCancelled reports and the flag the pool's release path checks
// to decide whether a drain is required (§4.7 release step 2).
func (c *Connection) WasQueryCancelled() bool   { return c.wasQueryCancelled.Load() }
func (c *Connection) ClearQueryCancelled()      { c.wasQueryCancelled.Store(false) }
func (c *Connection) MarkQueryCancelled()       { c.wasQueryCancelled.Store(true) }

// IsReady reports whether the connection is idle and usable.
func (c *Connection) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// AddCloseHook registers fn to run exactly once when the connection
// closes. The statement cache's owner uses this to evict its entry,
// per §9's "cache must never keep a connection alive" rule — the hook
// runs from the connection outward, never the reverse.
func (c *Connection) AddCloseHook(fn func()) {
	c.mu.Lock()
	c.closeHooks = append(c.closeHooks, fn)
	c.mu.Unlock()
}

// Connect dials host:port, performs the handshake/STARTTLS/authentication
// sequence (§4.2), and returns a Connection in the Ready state.
func Connect(ctx context.Context, params config.ConnectionParams) (*Connection, error) {
	return ConnectWithMetrics(ctx, params, nil)
}

// ConnectWithMetrics is Connect with an optional metrics collector wired
// in; the Pool uses this so every negotiated auth plugin and dispatched
// KILL QUERY is counted (§4.9's auth-plugin and kill-dispatch counters).
// m may be nil.
func ConnectWithMetrics(ctx context.Context, params config.ConnectionParams, m *metrics.Collector) (*Connection, error) {
	dialer := net.Dialer{Timeout: params.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", params.Host, params.Port))
	if err != nil {
		return nil, mysqlerr.Connection("dialing backend", 0, err)
	}

	c := &Connection{
		id:         uuid.NewString(),
		params:     params,
		netConn:    nc,
		codec:      protocol.NewCodec(nc, nc),
		metrics:    m,
		state:      StateConnecting,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}

	if err := c.establish(ctx); err != nil {
		nc.Close()
		c.state = StateClosed
		return nil, err
	}
	c.state = StateReady
	slog.Debug("connection established", "conn_id", c.id, "thread_id", c.threadID, "host", params.Host, "port", params.Port)
	return c, nil
}

func (c *Connection) establish(ctx context.Context) error {
	c.state = StateHandshaking
	hsPayload, err := c.codec.ReadPacket()
	if err != nil {
		return mysqlerr.Connection("reading initial handshake", 0, err)
	}
	if len(hsPayload) > 0 && hsPayload[0] == protocol.ErrPacket {
		info, perr := protocol.ParseErrPacket(hsPayload[1:])
		if perr == nil {
			return mysqlerr.Connection(info.Message, info.Code, nil)
		}
		return mysqlerr.Connection("server rejected connection before handshake", 0, nil)
	}
	hs, err := protocol.ParseHandshakeV10(hsPayload)
	if err != nil {
		return mysqlerr.Connection("parsing initial handshake", 0, err)
	}
	c.threadID = hs.ThreadID

	caps := uint32(protocol.BaseClientCapabilities)
	wantSSL := c.params.SSLMode != config.SSLDisabled
	serverSupportsSSL := hs.Capabilities&uint32(protocol.ClientSSL) != 0
	switch {
	case wantSSL && serverSupportsSSL:
		caps |= uint32(protocol.ClientSSL)
	case wantSSL && !serverSupportsSSL && c.params.SSLMode == config.SSLRequired:
		return mysqlerr.Connection("ssl required but server does not advertise CLIENT_SSL", 0, nil)
	}
	if hs.Capabilities&uint32(protocol.ClientDeprecateEOF) != 0 {
		caps |= uint32(protocol.ClientDeprecateEOF)
		c.deprecateEOF = true
	}
	if c.params.Database != "" {
		caps |= uint32(protocol.ClientConnectWithDB)
	}
	if c.params.MultiStatements {
		caps |= uint32(protocol.ClientMultiStatements)
	}

	if caps&uint32(protocol.ClientSSL) != 0 {
		sslReq := protocol.SSLRequest(caps, clientCharsetUTF8MB4General)
		if err := c.codec.WritePacket(sslReq); err != nil {
			return mysqlerr.Connection("sending SSL request", 0, err)
		}
		tlsConn, err := c.upgradeTLS()
		if err != nil {
			return mysqlerr.Connection("TLS handshake failed", 0, err)
		}
		c.netConn = tlsConn
		c.codec.Rebind(tlsConn, tlsConn)
		c.tlsActive = true
	}

	c.capabilities = caps
	pluginName := hs.AuthPluginName
	authResponse := computeInitialAuthResponse(pluginName, c.params.Password, hs.AuthPluginData)

	resp := protocol.BuildHandshakeResponse41(protocol.HandshakeResponse41Params{
		Capabilities:   caps,
		Charset:        clientCharsetUTF8MB4General,
		Username:       c.params.User,
		AuthResponse:   authResponse,
		Database:       c.params.Database,
		AuthPluginName: pluginName,
	})
	if err := c.codec.WritePacket(resp); err != nil {
		return mysqlerr.Connection("sending handshake response", 0, err)
	}

	c.state = StateAuthenticating
	return c.authenticate(ctx, pluginName, hs.AuthPluginData)
}

// upgradeTLS performs the TLS handshake over the raw socket, continuing
// the protocol's shared sequence counter once encrypted (§4.2 step 4).
func (c *Connection) upgradeTLS() (net.Conn, error) {
	tlsCfg := &tls.Config{
		ServerName:         c.params.Host,
		InsecureSkipVerify: !c.params.SSLVerify, //nolint:gosec // explicit opt-out via ssl_verify=false
		MinVersion:         tls.VersionTLS12,
	}
	if c.params.SSLCert != "" && c.params.SSLKey != "" {
		cert, err := tls.LoadX509KeyPair(c.params.SSLCert, c.params.SSLKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if c.params.SSLCA != "" {
		pool, err := loadCAPool(c.params.SSLCA)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	tc := tls.Client(c.netConn, tlsCfg)
	if err := tc.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return tc, nil
}

func computeInitialAuthResponse(plugin, password string, scramble []byte) []byte {
	switch plugin {
	case protocol.AuthCachingSHA2, protocol.AuthSHA256Password:
		return auth.CachingSHA2Initial(password, scramble)
	case protocol.AuthNativePassword:
		return auth.NativePassword(password, scramble)
	default:
		return nil
	}
}

// authenticate drives the auth response loop after HandshakeResponse41:
// OK, ERR, Auth-Switch-Request, or Auth-More-Data (§4.4).
func (c *Connection) authenticate(ctx context.Context, plugin string, scramble []byte) error {
	for {
		payload, err := c.codec.ReadPacket()
		if err != nil {
			return mysqlerr.Connection("reading auth response", 0, err)
		}
		if len(payload) == 0 {
			return mysqlerr.Authentication("empty auth packet", 0, "", nil)
		}
		switch payload[0] {
		case protocol.OKPacket:
			c.recordAuthPlugin(plugin)
			return nil
		case protocol.ErrPacket:
			info, perr := protocol.ParseErrPacket(payload[1:])
			if perr != nil {
				return mysqlerr.Authentication("authentication failed", 0, "", perr)
			}
			return mysqlerr.Authentication(info.Message, info.Code, info.SQLState, nil)
		case 0xFE: // Auth-Switch-Request
			newPlugin, newScramble, err := parseAuthSwitchRequest(payload[1:])
			if err != nil {
				return mysqlerr.Authentication("parsing auth switch request", 0, "", err)
			}
			plugin = newPlugin
			scramble = newScramble
			resp := computeInitialAuthResponse(plugin, c.params.Password, scramble)
			if err := c.codec.WritePacket(resp); err != nil {
				return mysqlerr.Connection("sending auth switch response", 0, err)
			}
		case 0x01: // Auth-More-Data
			done, err := c.handleAuthMoreData(payload[1:], plugin, scramble)
			if err != nil {
				return err
			}
			if done {
				c.recordAuthPlugin(plugin)
				return nil
			}
		default:
			return mysqlerr.Authentication(fmt.Sprintf("unexpected auth packet marker 0x%02x", payload[0]), 0, "", nil)
		}
	}
}

// recordAuthPlugin counts a completed authentication by plugin name, if
// a metrics collector is wired in.
func (c *Connection) recordAuthPlugin(plugin string) {
	if c.metrics != nil {
		c.metrics.AuthPlugin(plugin)
	}
}

func parseAuthSwitchRequest(data []byte) (plugin string, scramble []byte, err error) {
	name, n, err := protocol.ReadNullString(data)
	if err != nil {
		return "", nil, err
	}
	rest := data[n:]
	// Trailing 0x00 terminator, if present, is not part of the scramble.
	if len(rest) > 0 && rest[len(rest)-1] == 0 {
		rest = rest[:len(rest)-1]
	}
	return string(name), rest, nil
}

// handleAuthMoreData implements caching_sha2_password's fast-auth/full-auth
// sub-protocol (§4.4). Returns done=true once an OK has been consumed.
func (c *Connection) handleAuthMoreData(payload []byte, plugin string, scramble []byte) (bool, error) {
	if len(payload) == 0 {
		return false, mysqlerr.Authentication("empty auth-more-data payload", 0, "", nil)
	}
	switch payload[0] {
	case protocol.CachingSHA2FastAuthSuccess:
		okPayload, err := c.codec.ReadPacket()
		if err != nil {
			return false, mysqlerr.Connection("reading fast-auth OK", 0, err)
		}
		if len(okPayload) > 0 && okPayload[0] == protocol.ErrPacket {
			info, _ := protocol.ParseErrPacket(okPayload[1:])
			return false, mysqlerr.Authentication(info.Message, info.Code, info.SQLState, nil)
		}
		return true, nil
	case protocol.CachingSHA2FullAuthRequired:
		return c.fullAuth(plugin, scramble)
	default:
		return false, mysqlerr.Authentication(fmt.Sprintf("unexpected auth-more-data sub-status 0x%02x", payload[0]), 0, "", nil)
	}
}

func (c *Connection) fullAuth(plugin string, scramble []byte) (bool, error) {
	if c.tlsActive {
		cleartext := append([]byte(c.params.Password), 0)
		if err := c.codec.WritePacket(cleartext); err != nil {
			return false, mysqlerr.Connection("sending cleartext full-auth password", 0, err)
		}
	} else {
		if err := c.codec.WritePacket([]byte{0x02}); err != nil {
			return false, mysqlerr.Connection("requesting server RSA public key", 0, err)
		}
		pubPayload, err := c.codec.ReadPacket()
		if err != nil {
			return false, mysqlerr.Connection("reading RSA public key", 0, err)
		}
		if len(pubPayload) < 1 {
			return false, mysqlerr.Authentication("empty RSA public key response", 0, "", nil)
		}
		pubKey, err := auth.ParseRSAPublicKeyPEM(pubPayload[1:])
		if err != nil {
			return false, mysqlerr.Authentication("parsing server RSA public key", 0, "", err)
		}
		encrypted, err := auth.EncryptFullAuthPassword(c.params.Password, scramble, pubKey)
		if err != nil {
			return false, mysqlerr.Authentication("RSA-encrypting full-auth password", 0, "", err)
		}
		if err := c.codec.WritePacket(encrypted); err != nil {
			return false, mysqlerr.Connection("sending RSA-encrypted password", 0, err)
		}
	}

	finalPayload, err := c.codec.ReadPacket()
	if err != nil {
		return false, mysqlerr.Connection("reading full-auth result", 0, err)
	}
	if len(finalPayload) == 0 {
		return false, mysqlerr.Authentication("empty full-auth result", 0, "", nil)
	}
	switch finalPayload[0] {
	case protocol.OKPacket:
		return true, nil
	case protocol.ErrPacket:
		info, perr := protocol.ParseErrPacket(finalPayload[1:])
		if perr != nil {
			return false, mysqlerr.Authentication("full authentication failed", 0, "", perr)
		}
		return false, mysqlerr.Authentication(info.Message, info.Code, info.SQLState, nil)
	default:
		return false, mysqlerr.Authentication(fmt.Sprintf("unexpected full-auth result marker 0x%02x", finalPayload[0]), 0, "", nil)
	}
}

// beginCommand resets the sequence counter and transitions to state,
// enforcing the single-command-at-a-time discipline (§4.2). Callers
// must hold c.mu for the duration of the command.
func (c *Connection) beginCommand(state State) {
	c.codec.ResetSeq()
	c.state = state
}

// endCommand returns the connection to Ready once a handler settles.
func (c *Connection) endCommand() {
	c.state = StateReady
}

// poison transitions the connection to Closed after a protocol-level
// failure, per §4.2's "unexpected packet transitions to CLOSED" rule.
// Callers must hold c.mu.
func (c *Connection) poison() {
	c.state = StateClosed
	c.netConn.Close()
}

// Ping issues COM_PING (§4.5).
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return mysqlerr.Connection("ping on non-ready connection", 0, nil)
	}
	c.beginCommand(StatePinging)
	defer c.endCommand()

	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	if err := c.codec.WritePacket([]byte{protocol.ComPing}); err != nil {
		c.poison()
		return mysqlerr.Connection("sending COM_PING", 0, err)
	}
	payload, err := c.codec.ReadPacket()
	if err != nil {
		c.poison()
		return mysqlerr.Connection("reading COM_PING response", 0, err)
	}
	return okOrErr(payload)
}

// ResetConnection issues COM_RESET_CONNECTION (§4.5). The caller (the
// pool or client façade) is responsible for invalidating any associated
// statement cache on success.
func (c *Connection) ResetConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return mysqlerr.Connection("reset on non-ready connection", 0, nil)
	}
	c.beginCommand(StateResetting)
	defer c.endCommand()

	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	if err := c.codec.WritePacket([]byte{protocol.ComResetConnection}); err != nil {
		c.poison()
		return mysqlerr.Connection("sending COM_RESET_CONNECTION", 0, err)
	}
	payload, err := c.codec.ReadPacket()
	if err != nil {
		c.poison()
		return mysqlerr.Connection("reading COM_RESET_CONNECTION response", 0, err)
	}
	return okOrErr(payload)
}

// DoSleepZero issues `DO SLEEP(0)` as a throwaway COM_QUERY, absorbing
// the stale ERR(1317) "query interrupted" a cancelled connection may
// still have in flight — the drain step of §4.7's release algorithm.
func (c *Connection) DoSleepZero(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return mysqlerr.Connection("drain on non-ready connection", 0, nil)
	}
	c.beginCommand(StateQuerying)
	defer c.endCommand()

	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	cmd := append([]byte{protocol.ComQuery}, []byte("DO SLEEP(0)")...)
	if err := c.codec.WritePacket(cmd); err != nil {
		c.poison()
		return mysqlerr.Connection("sending drain query", 0, err)
	}
	payload, err := c.codec.ReadPacket()
	if err != nil {
		c.poison()
		return mysqlerr.Connection("reading drain query response", 0, err)
	}
	if len(payload) > 0 && payload[0] == protocol.ErrPacket {
		info, perr := protocol.ParseErrPacket(payload[1:])
		if perr == nil && info.Code == 1317 {
			return nil // query interrupted — exactly the stale kill flag we're draining
		}
	}
	return okOrErr(payload)
}

// Quit sends COM_QUIT (no response expected) and closes the socket.
func (c *Connection) Quit() error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateClosing
		c.codec.ResetSeq()
		_ = c.codec.WritePacket([]byte{protocol.ComQuit})
	}
	c.mu.Unlock()
	return c.Close()
}

// Close closes the underlying socket and runs every registered close
// hook exactly once, idempotently.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		err = c.netConn.Close()
		hooks := c.closeHooks
		c.mu.Unlock()
		for _, h := range hooks {
			h()
		}
	})
	return err
}

// applyDeadline propagates ctx's deadline (if any) onto the socket.
// Callers must hold c.mu.
func (c *Connection) applyDeadline(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		if err := c.netConn.SetDeadline(dl); err != nil {
			return mysqlerr.Connection("setting socket deadline", 0, err)
		}
	} else {
		_ = c.netConn.SetDeadline(time.Time{})
	}
	return nil
}

// okOrErr classifies a single-packet OK/ERR response.
func okOrErr(payload []byte) error {
	if len(payload) == 0 {
		return mysqlerr.WrapQuery("empty response", nil)
	}
	switch payload[0] {
	case protocol.OKPacket:
		return nil
	case protocol.ErrPacket:
		info, err := protocol.ParseErrPacket(payload[1:])
		if err != nil {
			return mysqlerr.WrapQuery("parsing ERR packet", err)
		}
		return mysqlerr.Query(info.Code, info.SQLState, info.Message)
	default:
		return mysqlerr.WrapQuery(fmt.Sprintf("unexpected response marker 0x%02x", payload[0]), nil)
	}
}
