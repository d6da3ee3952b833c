package relay

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/config"
	"github.com/R1ckyH/chatbridge/internal/protocol"
)

// ServerName is the identity the broker uses as sender on envelopes it
// originates (commands, api calls, server chat).
const ServerName = "CBR"

// Server composes the acceptor, registry, router, and correlator into the
// relay broker. It satisfies the lifecycle Service interface.
type Server struct {
	cfg        config.Config
	cryptor    protocol.Cryptor
	registry   *Registry
	router     *Router
	correlator *Correlator
	dispatcher EventDispatcher
	acceptor   *Acceptor
	logger     *zap.Logger
}

// NewServer wires the relay broker from configuration.
//
// Precondition: cfg passed Validate; entries came from config.LoadClients.
// Postcondition: Returns a Server ready for Start.
func NewServer(cfg config.Config, entries []config.ClientEntry, dispatcher EventDispatcher, logger *zap.Logger) *Server {
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}
	cryptor := protocol.NewCryptor(cfg.Server.AESKey)
	if cfg.Server.AESKey == "" {
		logger.Warn("empty aes_key configured, relay traffic is NOT encrypted")
	}

	registry := NewRegistry(entries)
	s := &Server{
		cfg:        cfg,
		cryptor:    cryptor,
		registry:   registry,
		router:     NewRouter(registry, cryptor, dispatcher, logger),
		correlator: NewCorrelator(registry, cryptor, cfg.Timeouts.Call, logger),
		dispatcher: dispatcher,
		logger:     logger,
	}
	s.acceptor = NewAcceptor(cfg.Server, s, logger)
	return s
}

// Start runs the accept loop; it blocks until Stop is called.
func (s *Server) Start() error {
	return s.acceptor.ListenAndServe()
}

// Stop shuts the acceptor down and waits for every session to finish.
func (s *Server) Stop() {
	s.acceptor.Stop()
}

// Addr returns the live listen address (useful when bound to port 0).
func (s *Server) Addr() string {
	return s.acceptor.Addr()
}

// HandleConn runs the session state machine for one accepted connection.
func (s *Server) HandleConn(ctx context.Context, id string, conn net.Conn) error {
	sess := NewSession(id, conn, s.cryptor, s.registry, s.router, s.correlator,
		s.dispatcher, s.cfg.Timeouts, s.logger)
	return sess.Run(ctx)
}

// Registry exposes the client directory to binaries and plugins.
func (s *Server) Registry() *Registry {
	return s.registry
}

// OnlineClients returns the names of all connected bridges, sorted.
func (s *Server) OnlineClients() []string {
	return s.registry.OnlineNames()
}

// SendChat delivers a server-originated chat message; empty receiver
// broadcasts to every online client.
func (s *Server) SendChat(player, message, receiver string) {
	env := protocol.NewMessage(ServerName, player, message, receiver)
	if receiver != "" {
		rec, ok := s.registry.Lookup(receiver)
		if !ok {
			s.logger.Warn("chat for unknown receiver dropped",
				zap.String("receiver", receiver),
			)
			return
		}
		if err := rec.Send(s.cryptor, env); err != nil {
			s.logger.Warn("chat delivery failed, dropping client",
				zap.String("client", rec.Name),
				zap.Error(err),
			)
			rec.MarkOffline()
		}
		return
	}
	s.router.Broadcast(ServerName, env)
}

// Command issues a command call to target and waits for its reply.
func (s *Server) Command(ctx context.Context, target, command string) (*protocol.Result, error) {
	return s.correlator.Call(ctx, target, protocol.NewCommand(ServerName, target, command))
}

// API invokes plugin.function(keys...) on target and waits for its reply.
func (s *Server) API(ctx context.Context, target, plugin, function string, keys []string) (*protocol.Result, error) {
	return s.correlator.Call(ctx, target, protocol.NewAPI(ServerName, target, plugin, function, keys))
}

// Probe sends a one-shot ping to target and reports the round-trip latency,
// or ErrCallTimeout when no pong arrives within the correlation window.
func (s *Server) Probe(target string) (time.Duration, error) {
	rec, ok := s.registry.Lookup(target)
	if !ok || !rec.Online() {
		return 0, ErrOffline
	}

	wait := rec.armPong()
	start := time.Now()
	if err := rec.Send(s.cryptor, protocol.NewKeepAlive(protocol.PingTypePing)); err != nil {
		return 0, err
	}

	timer := time.NewTimer(s.cfg.Timeouts.Call)
	defer timer.Stop()
	select {
	case at := <-wait:
		return at.Sub(start), nil
	case <-timer.C:
		return 0, ErrCallTimeout
	}
}
