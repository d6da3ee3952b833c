package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/config"
	"github.com/R1ckyH/chatbridge/internal/protocol"
)

// sessionState is the lifecycle position of one accepted connection.
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

// Session runs the server-side state machine for one accepted connection:
// Unauthenticated until a valid login frame arrives, then Authenticated until
// the peer stops, times out, or violates the protocol, then Closed.
type Session struct {
	id         string
	conn       net.Conn
	cryptor    protocol.Cryptor
	registry   *Registry
	router     *Router
	correlator *Correlator
	dispatcher EventDispatcher
	timeouts   config.TimeoutsConfig
	logger     *zap.Logger

	state  sessionState
	record *ClientRecord
	gen    uint64

	// lastRead is the time of the last inbound frame, consulted by the
	// session's keepalive loop.
	lastRead atomic.Int64
}

// NewSession wraps an accepted connection.
//
// Precondition: all collaborators are non-nil; id is unique per connection.
func NewSession(id string, conn net.Conn, cryptor protocol.Cryptor, registry *Registry,
	router *Router, correlator *Correlator, dispatcher EventDispatcher,
	timeouts config.TimeoutsConfig, logger *zap.Logger) *Session {
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}
	return &Session{
		id:         id,
		conn:       conn,
		cryptor:    cryptor,
		registry:   registry,
		router:     router,
		correlator: correlator,
		dispatcher: dispatcher,
		timeouts:   timeouts,
		logger:     logger.With(zap.String("session", id)),
	}
}

// Run drives the session to completion. It returns nil on a graceful close
// (peer stop, superseded login) and an error otherwise. Errors never
// propagate beyond this session.
//
// Postcondition: The connection is closed and, if this session still owned
// its ClientRecord, the record is offline.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	// Unblock the read loop when the acceptor shuts down.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	if err := s.authenticate(); err != nil {
		return err
	}

	// Keepalive runs in both directions: the client's guardian pings the
	// server, and this loop pings the client whenever the session goes quiet.
	s.touch()
	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.keepalive(stopPing)

	return s.serve()
}

// authenticate reads and validates the first frame, which must be a login.
func (s *Session) authenticate() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeouts.Auth))

	env, err := s.readEnvelope()
	if err != nil {
		// Any framing failure before authentication closes the connection:
		// the peer either has the wrong key or is not speaking ChatBridge.
		return fmt.Errorf("reading login frame: %w", err)
	}
	if env.Action != protocol.ActionLogin {
		return fmt.Errorf("%w: first envelope was %q, want login", ErrProtocol, env.Action)
	}

	rec, err := s.registry.Authenticate(env.Name, env.Password)
	if err != nil {
		s.logger.Warn("login rejected",
			zap.String("name", env.Name),
			zap.String("remote_addr", s.conn.RemoteAddr().String()),
		)
		_ = s.writeEnvelope(protocol.NewLoginResult(protocol.LoginFail))
		return err
	}

	prev, gen := rec.Bind(s.conn, env.Type, env.LibVersion)
	if prev != nil {
		s.logger.Info("superseding previous connection",
			zap.String("client", rec.Name),
		)
		_ = prev.Close()
	}
	s.record = rec
	s.gen = gen
	s.state = stateAuthenticated

	if env.LibVersion != protocol.ProtocolVersion {
		s.logger.Warn("protocol version mismatch",
			zap.String("client", rec.Name),
			zap.Int("client_version", env.LibVersion),
			zap.Int("server_version", protocol.ProtocolVersion),
		)
	}

	// The record is online from the moment of Bind, so other sessions may
	// already be writing to this connection; the success reply has to queue
	// behind them on the record's send lock.
	if err := s.record.Send(s.cryptor, protocol.NewLoginResult(protocol.LoginSuccess)); err != nil {
		return err
	}
	s.logger.Info("client logged in",
		zap.String("client", rec.Name),
		zap.String("type", env.Type),
		zap.String("remote_addr", s.conn.RemoteAddr().String()),
	)
	return nil
}

// serve is the authenticated read loop.
func (s *Session) serve() error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeouts.Idle))

		payload, err := protocol.ReadFrame(s.conn)
		if err != nil {
			// Frame-level failures are unrecoverable: a corrupt length
			// prefix cannot be resynchronized, and timeouts or transport
			// errors end the session either way.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("client %s idle for %s: %w", s.record.Name, s.timeouts.Idle, err)
			}
			return fmt.Errorf("reading from %s: %w", s.record.Name, err)
		}

		s.touch()

		plain, err := s.cryptor.Decrypt(payload)
		if err != nil {
			// The frame boundary was intact but the payload is garbage:
			// treat it as a no-op envelope and keep the session alive.
			s.logger.Warn("dropping undecodable frame",
				zap.String("client", s.record.Name),
				zap.Error(err),
			)
			continue
		}

		env, err := protocol.Unmarshal([]byte(plain))
		if err != nil {
			return fmt.Errorf("%w: from %s: %v", ErrProtocol, s.record.Name, err)
		}

		switch env.Action {
		case protocol.ActionKeepAlive:
			s.handleKeepAlive(env)
		case protocol.ActionMessage:
			if env.Client == "" {
				env.Client = s.record.Name
			}
			s.router.Route(env)
		case protocol.ActionCommand, protocol.ActionAPI:
			s.handleCall(env)
		case protocol.ActionStop:
			s.logger.Info("client requested stop",
				zap.String("client", s.record.Name),
			)
			return nil
		default:
			// Unmarshal only admits known actions; login or result here
			// means the peer is out of sync with the state machine.
			s.logger.Warn("unexpected envelope in authenticated state",
				zap.String("client", s.record.Name),
				zap.String("action", env.Action),
			)
		}
	}
}

// keepalive pings the client whenever no frame has arrived for a full ping
// interval, mirroring the guardian on the client side. A failed ping write
// just exits; the read loop notices the dead transport on its own.
func (s *Session) keepalive(stop chan struct{}) {
	tick := s.timeouts.PingInterval / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastRead.Load())) < s.timeouts.PingInterval {
				continue
			}
			if err := s.record.Send(s.cryptor, protocol.NewKeepAlive(protocol.PingTypePing)); err != nil {
				return
			}
		}
	}
}

func (s *Session) touch() {
	s.lastRead.Store(time.Now().UnixNano())
}

func (s *Session) handleKeepAlive(env *protocol.Envelope) {
	switch env.Type {
	case protocol.PingTypePing:
		s.record.TouchPing()
		if err := s.record.Send(s.cryptor, protocol.NewKeepAlive(protocol.PingTypePong)); err != nil {
			s.logger.Warn("answering ping failed",
				zap.String("client", s.record.Name),
				zap.Error(err),
			)
		}
	case protocol.PingTypePong:
		s.record.TouchPing()
		s.record.deliverPong()
	default:
		s.logger.Warn("keepAlive with unknown type",
			zap.String("client", s.record.Name),
			zap.String("type", env.Type),
		)
	}
}

// handleCall processes command/api traffic from this client. Replies resolve
// the correlator slot for a server-initiated call, or are forwarded to the
// requester named as receiver. Requests from clients are forwarded to their
// receiver; the server never treats them as addressed to itself.
func (s *Session) handleCall(env *protocol.Envelope) {
	if env.Sender == "" {
		env.Sender = s.record.Name
	}

	if env.IsReply() {
		if s.correlator.Deliver(s.record, env) {
			return
		}
		if s.forward(env) {
			return
		}
		s.logger.Debug("dropping reply with no waiting caller",
			zap.String("client", s.record.Name),
			zap.String("action", env.Action),
		)
		return
	}

	if env.Action == protocol.ActionCommand {
		s.dispatcher.DispatchCommand(CommandInfo{Sender: env.Sender, Command: env.Command})
	}

	if !s.forward(env) {
		// Unreachable receiver: answer on its behalf so the requester's
		// correlation slot does not sit until timeout.
		reply := env.Reply("error", "target unreachable")
		if err := s.record.Send(s.cryptor, reply); err != nil {
			s.logger.Warn("sending unreachable reply failed",
				zap.String("client", s.record.Name),
				zap.Error(err),
			)
		}
	}
}

// forward relays a command/api envelope to its named receiver. Reports
// whether the envelope was handed to an online client.
func (s *Session) forward(env *protocol.Envelope) bool {
	if env.Receiver == "" {
		return false
	}
	rec, ok := s.registry.Lookup(env.Receiver)
	if !ok || !rec.Online() {
		return false
	}
	if err := rec.Send(s.cryptor, env); err != nil {
		s.logger.Warn("forwarding failed, dropping receiver",
			zap.String("receiver", rec.Name),
			zap.Error(err),
		)
		rec.MarkOffline()
		return false
	}
	return true
}

func (s *Session) readEnvelope() (*protocol.Envelope, error) {
	payload, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return nil, err
	}
	plain, err := s.cryptor.Decrypt(payload)
	if err != nil {
		return nil, err
	}
	return protocol.Unmarshal([]byte(plain))
}

// writeEnvelope writes directly on the session's own connection, used only
// while no record is bound (the login-fail reply). All traffic after Bind
// goes through ClientRecord.Send.
func (s *Session) writeEnvelope(env *protocol.Envelope) error {
	plain, err := env.Marshal()
	if err != nil {
		return err
	}
	payload, err := s.cryptor.Encrypt(string(plain))
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return protocol.WriteFrame(s.conn, payload)
}

// close finalizes the session: the record goes offline only when this
// session's generation is still the bound one.
func (s *Session) close() {
	s.state = stateClosed
	_ = s.conn.Close()
	if s.record == nil {
		return
	}
	if s.record.Release(s.gen) {
		s.logger.Info("client offline",
			zap.String("client", s.record.Name),
		)
	}
}
