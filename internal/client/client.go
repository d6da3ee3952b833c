// Package client implements the bridge side of the ChatBridge protocol: the
// session loop mirroring the server's state machine, plus the keepalive and
// reconnect guardians that keep the link alive across failures.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/config"
	"github.com/R1ckyH/chatbridge/internal/protocol"
)

// Client errors.
var (
	// ErrAuth means the server rejected this client's credentials.
	ErrAuth = errors.New("login rejected")
	// ErrNotConnected means the operation needs a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrProbeTimeout means a liveness probe got no pong in time.
	ErrProbeTimeout = errors.New("no response")
)

// State is the client connection state, held in a single atomic value so the
// session loop and both guardians observe one coherent flag.
type State int32

const (
	// StateDisconnected means no connection and no dial in progress.
	StateDisconnected State = iota
	// StateConnecting means a dial/login handshake is in flight.
	StateConnecting
	// StateConnected means the session loop is live.
	StateConnected
	// StateStopped means a user-requested stop; the reconnect guardian
	// must not resurrect the connection.
	StateStopped
)

const dialTimeout = 10 * time.Second

// Responder answers command and api requests arriving from the server. The
// client answers, it does not initiate.
type Responder interface {
	// HandleCommand executes a command string, returning a result kind and
	// the result text.
	HandleCommand(command string) (resultType, result string)
	// HandleAPI invokes plugin.function(keys...) locally.
	HandleAPI(plugin, function string, keys []string) (resultType, result string)
}

// Client is one bridge endpoint: it dials the relay, logs in, then mirrors
// the server's session loop with requester and responder roles reversed.
type Client struct {
	cfg      config.ClientConfig
	timeouts config.TimeoutsConfig
	cryptor  protocol.Cryptor
	logger   *zap.Logger

	// Backoff overrides the reconnect schedule when set before Start.
	Backoff []time.Duration

	onMessage func(client, player, message string)
	responder Responder

	state atomic.Int32

	mu        sync.Mutex
	conn      net.Conn
	keepalive *KeepaliveGuardian

	sendMu sync.Mutex

	lastActivity atomic.Int64

	pongMu   sync.Mutex
	pongWait chan time.Time

	reconnect *ReconnectGuardian
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

// New creates a Client. Handlers are optional and registered before Start.
//
// Precondition: cfg passed ValidateClient; logger must be non-nil.
func New(cfg config.ClientConfig, timeouts config.TimeoutsConfig, logger *zap.Logger) *Client {
	c := &Client{
		cfg:      cfg,
		timeouts: timeouts,
		cryptor:  protocol.NewCryptor(cfg.AESKey),
		logger:   logger.With(zap.String("client", cfg.Name)),
		done:     make(chan struct{}),
	}
	if cfg.AESKey == "" {
		logger.Warn("empty aes_key configured, bridge traffic is NOT encrypted")
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// OnMessage registers the chat delivery callback. Must be called before Start.
func (c *Client) OnMessage(fn func(client, player, message string)) {
	c.onMessage = fn
}

// SetResponder registers the command/api answerer. Must be called before Start.
func (c *Client) SetResponder(r Responder) {
	c.responder = r
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Start dials the relay and blocks until Stop is called or the server
// terminates the session with a stop envelope. A failed initial dial is not
// fatal: the reconnect guardian takes over.
//
// Postcondition: All goroutines have exited when Start returns.
func (c *Client) Start() error {
	c.reconnect = NewReconnectGuardian(c.Backoff, c.connect, c.logger)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnect.Run()
	}()

	if err := c.connect(); err != nil {
		c.logger.Warn("initial connect failed, scheduling reconnect", zap.Error(err))
		c.reconnect.Start()
	}

	<-c.done
	c.wg.Wait()
	return nil
}

// Stop performs a user-requested stop: it announces the stop to the server,
// closes the connection, and shuts both guardians down. No reconnection
// follows. Idempotent.
func (c *Client) Stop() {
	c.shutdown(true)
}

// Close tears the client down without announcing a stop to the server, for
// teardown paths where the connection is already gone. Idempotent.
func (c *Client) Close() {
	c.shutdown(false)
}

// Restart drops the current connection (if any) and forces the reconnect
// guardian back to the start of its schedule.
func (c *Client) Restart() {
	if c.reconnect == nil || c.State() == StateStopped {
		return
	}
	c.logger.Info("manual restart requested")
	c.dropConn()
	c.reconnect.Restart()
}

// connect dials, logs in, and starts the session goroutines. Used both for
// the initial connection and as the reconnect guardian's dial function.
func (c *Client) connect() error {
	if c.State() == StateStopped {
		return nil
	}
	c.state.Store(int32(StateConnecting))

	conn, err := net.DialTimeout("tcp", c.cfg.Addr(), dialTimeout)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dialing %s: %w", c.cfg.Addr(), err)
	}

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		c.state.Store(int32(StateDisconnected))
		return err
	}

	keepalive := NewKeepaliveGuardian(c.timeouts.PingInterval, c.idleFor, c.sendPing, c.logger)

	// Stop may have raced the dial/handshake window. The state re-check and
	// the commit share the mutex with shutdown, so either shutdown ran first
	// and this connection is discarded, or shutdown runs after and tears the
	// committed connection down.
	c.mu.Lock()
	if State(c.state.Load()) == StateStopped {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.keepalive = keepalive
	c.state.Store(int32(StateConnected))
	c.mu.Unlock()
	c.touch()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		keepalive.Run()
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(conn, keepalive)
	}()

	c.logger.Info("connected to relay",
		zap.String("addr", c.cfg.Addr()),
	)
	return nil
}

// handshake sends login and validates the reply on a fresh connection.
func (c *Client) handshake(conn net.Conn) error {
	login := protocol.NewLogin(c.cfg.Name, c.cfg.Password, c.cfg.Type)
	if err := c.writeTo(conn, login); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.timeouts.Auth))
	env, err := c.readFrom(conn)
	if err != nil {
		return fmt.Errorf("reading login result: %w", err)
	}
	if env.Action != protocol.ActionResult {
		return fmt.Errorf("%w: login answered with %q", ErrAuth, env.Action)
	}
	if env.ResultText != protocol.LoginSuccess {
		return fmt.Errorf("%w: %s", ErrAuth, env.ResultText)
	}
	return nil
}

// readLoop mirrors the server's authenticated serve loop.
func (c *Client) readLoop(conn net.Conn, keepalive *KeepaliveGuardian) {
	var stopped bool
	defer func() {
		keepalive.Stop()
		_ = conn.Close()
		if stopped || c.State() == StateStopped {
			return
		}
		c.state.Store(int32(StateDisconnected))
		c.logger.Info("disconnected, handing over to reconnect guardian")
		c.reconnect.Start()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.timeouts.Idle))

		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if c.State() != StateStopped {
				c.logger.Warn("session read failed", zap.Error(err))
			}
			return
		}
		c.touch()

		plain, err := c.cryptor.Decrypt(payload)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		env, err := protocol.Unmarshal([]byte(plain))
		if err != nil {
			c.logger.Warn("closing on envelope violation", zap.Error(err))
			return
		}

		switch env.Action {
		case protocol.ActionKeepAlive:
			c.handleKeepAlive(env)
		case protocol.ActionMessage:
			if c.onMessage != nil {
				c.onMessage(env.Client, env.Player, env.Message)
			}
		case protocol.ActionCommand, protocol.ActionAPI:
			c.answer(env)
		case protocol.ActionStop:
			c.logger.Info("server requested stop")
			stopped = true
			c.shutdown(false)
			return
		case protocol.ActionResult:
			c.logger.Debug("stray result envelope", zap.String("result", env.ResultText))
		default:
			c.logger.Warn("closing on unexpected action", zap.String("action", env.Action))
			return
		}
	}
}

func (c *Client) handleKeepAlive(env *protocol.Envelope) {
	switch env.Type {
	case protocol.PingTypePing:
		if err := c.Send(protocol.NewKeepAlive(protocol.PingTypePong)); err != nil {
			c.logger.Warn("answering ping failed", zap.Error(err))
		}
	case protocol.PingTypePong:
		c.pongMu.Lock()
		ch := c.pongWait
		c.pongWait = nil
		c.pongMu.Unlock()
		if ch != nil {
			select {
			case ch <- time.Now():
			default:
			}
		}
	}
}

// answer replies to a command/api request; the client is always the
// responder. Requests without a registered Responder get an error reply so
// the caller's correlation slot resolves promptly.
func (c *Client) answer(env *protocol.Envelope) {
	if !env.IsRequest() {
		c.logger.Debug("dropping unexpected reply envelope",
			zap.String("action", env.Action),
		)
		return
	}

	resultType, result := "error", "no handler"
	if c.responder != nil {
		if env.Action == protocol.ActionCommand {
			resultType, result = c.responder.HandleCommand(env.Command)
		} else {
			resultType, result = c.responder.HandleAPI(env.Plugin, env.Function, env.Keys)
		}
	}

	if err := c.Send(env.Reply(resultType, result)); err != nil {
		c.logger.Warn("sending reply failed",
			zap.String("action", env.Action),
			zap.Error(err),
		)
	}
}

// SendChat sends a chat message; empty receiver broadcasts.
func (c *Client) SendChat(player, message, receiver string) error {
	return c.Send(protocol.NewMessage(c.cfg.Name, player, message, receiver))
}

// Send marshals, encrypts and writes one envelope on the live connection.
//
// Postcondition: Frames from concurrent senders are never interleaved.
func (c *Client) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	if err := c.writeTo(conn, env); err != nil {
		return err
	}
	c.touch()
	return nil
}

// Probe sends a one-shot ping and reports round-trip latency, or
// ErrProbeTimeout when no pong arrives within the call window.
func (c *Client) Probe() (time.Duration, error) {
	ch := make(chan time.Time, 1)
	c.pongMu.Lock()
	c.pongWait = ch
	c.pongMu.Unlock()

	start := time.Now()
	if err := c.Send(protocol.NewKeepAlive(protocol.PingTypePing)); err != nil {
		return 0, err
	}

	timer := time.NewTimer(c.timeouts.Call)
	defer timer.Stop()
	select {
	case at := <-ch:
		return at.Sub(start), nil
	case <-timer.C:
		return 0, ErrProbeTimeout
	}
}

func (c *Client) sendPing() error {
	return c.Send(protocol.NewKeepAlive(protocol.PingTypePing))
}

func (c *Client) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// writeTo frames one envelope onto an explicit connection, serialized under
// the send lock.
func (c *Client) writeTo(conn net.Conn, env *protocol.Envelope) error {
	plain, err := env.Marshal()
	if err != nil {
		return err
	}
	payload, err := c.cryptor.Encrypt(string(plain))
	if err != nil {
		return fmt.Errorf("encrypting %s envelope: %w", env.Action, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := protocol.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("writing %s frame: %w", env.Action, err)
	}
	return nil
}

// readFrom reads one envelope from an explicit connection (handshake path).
func (c *Client) readFrom(conn net.Conn) (*protocol.Envelope, error) {
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	plain, err := c.cryptor.Decrypt(payload)
	if err != nil {
		return nil, err
	}
	return protocol.Unmarshal([]byte(plain))
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// shutdown tears the client down; announce controls whether a stop envelope
// is sent first (user-requested stop) or not (server-requested stop).
func (c *Client) shutdown(announce bool) {
	c.once.Do(func() {
		if announce && c.State() == StateConnected {
			_ = c.Send(protocol.NewStop())
		}

		// The stopped state is stored under the mutex so connect's commit
		// cannot interleave with it (see connect).
		c.mu.Lock()
		c.state.Store(int32(StateStopped))
		conn := c.conn
		c.conn = nil
		keepalive := c.keepalive
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if keepalive != nil {
			keepalive.Stop()
		}
		if c.reconnect != nil {
			c.reconnect.Close()
		}
		close(c.done)
	})
}
