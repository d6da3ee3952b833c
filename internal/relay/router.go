package relay

import (
	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/protocol"
)

// MessageInfo is the view of a chat message handed to plugin handlers.
type MessageInfo struct {
	Client   string
	Player   string
	Message  string
	Receiver string
}

// CommandInfo is the view of a command request handed to plugin handlers.
type CommandInfo struct {
	Sender  string
	Command string
}

// EventDispatcher is the plugin boundary. Implementations run externally
// supplied handlers; failures inside a handler must never propagate here.
type EventDispatcher interface {
	// DispatchMessage shows a chat message to every handler and reports
	// whether any of them suppressed the default broadcast.
	DispatchMessage(info MessageInfo) (suppress bool)
	// DispatchCommand shows a command request to every handler.
	DispatchCommand(info CommandInfo)
}

// NopDispatcher is the EventDispatcher used when plugins are disabled.
type NopDispatcher struct{}

// DispatchMessage never suppresses.
func (NopDispatcher) DispatchMessage(MessageInfo) bool { return false }

// DispatchCommand is a no-op.
func (NopDispatcher) DispatchCommand(CommandInfo) {}

// Router fans chat messages out to online clients and exposes them to the
// plugin boundary first.
type Router struct {
	registry   *Registry
	cryptor    protocol.Cryptor
	dispatcher EventDispatcher
	logger     *zap.Logger
}

// NewRouter creates a Router. A nil dispatcher disables the plugin boundary.
func NewRouter(registry *Registry, cryptor protocol.Cryptor, dispatcher EventDispatcher, logger *zap.Logger) *Router {
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}
	return &Router{
		registry:   registry,
		cryptor:    cryptor,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Route handles one inbound message envelope: plugins first, then either a
// directed delivery (non-empty receiver) or a broadcast to everyone else.
func (rt *Router) Route(env *protocol.Envelope) {
	info := MessageInfo{
		Client:   env.Client,
		Player:   env.Player,
		Message:  env.Message,
		Receiver: env.Receiver,
	}
	if rt.dispatcher.DispatchMessage(info) {
		rt.logger.Debug("broadcast suppressed by handler",
			zap.String("client", env.Client),
			zap.String("player", env.Player),
		)
		return
	}

	if env.Receiver != "" {
		rt.deliver(env.Receiver, env)
		return
	}
	rt.Broadcast(env.Client, env)
}

// Broadcast delivers env to every online client except sender. A failed
// write marks only that one target offline; delivery to the remaining
// targets continues.
func (rt *Router) Broadcast(sender string, env *protocol.Envelope) {
	for _, rec := range rt.registry.All() {
		if rec.Name == sender || !rec.Online() {
			continue
		}
		if err := rec.Send(rt.cryptor, env); err != nil {
			rt.logger.Warn("broadcast write failed, dropping client",
				zap.String("client", rec.Name),
				zap.Error(err),
			)
			rec.MarkOffline()
		}
	}
}

// deliver sends env to a single named client.
func (rt *Router) deliver(name string, env *protocol.Envelope) {
	rec, ok := rt.registry.Lookup(name)
	if !ok {
		rt.logger.Warn("message for unknown receiver dropped",
			zap.String("receiver", name),
		)
		return
	}
	if err := rec.Send(rt.cryptor, env); err != nil {
		rt.logger.Warn("directed delivery failed, dropping client",
			zap.String("client", rec.Name),
			zap.Error(err),
		)
		rec.MarkOffline()
	}
}
