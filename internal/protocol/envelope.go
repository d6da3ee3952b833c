// Package protocol defines the ChatBridge wire protocol: the JSON envelope
// carried by every frame, the symmetric encryption codec, and the
// length-prefixed framing layer. It has no dependency on relay or client
// packages; both ends of a connection speak through this package alone.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEnvelope means a decrypted payload did not parse as a known envelope.
// Unlike ErrFraming (drop the frame, keep the session), an envelope
// violation closes the connection: the peer is out of sync and the stream
// cannot be trusted.
var ErrEnvelope = errors.New("envelope violation")

// ProtocolVersion is reported in login envelopes. A mismatch between peers
// is logged as a warning, never rejected. Version 3 is the first revision
// with an explicit big-endian frame length (earlier versions used the host's
// native byte order).
const ProtocolVersion = 3

// Envelope actions.
const (
	ActionLogin     = "login"
	ActionResult    = "result"
	ActionKeepAlive = "keepAlive"
	ActionMessage   = "message"
	ActionStop      = "stop"
	ActionCommand   = "command"
	ActionAPI       = "api"
)

// KeepAlive sub-types.
const (
	PingTypePing = "ping"
	PingTypePong = "pong"
)

// Login result strings carried in result envelopes.
const (
	LoginSuccess = "login success"
	LoginFail    = "login fail"
)

// Result is the reply sub-object of command and api envelopes. A request is
// sent with Responded false; the answering peer fills Result and flips
// Responded to true.
type Result struct {
	Responded bool   `json:"responded"`
	Type      string `json:"type,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Envelope is one logical protocol message, a tagged union over Action.
// Only the fields belonging to the action are populated; the rest stay at
// their zero values and are omitted from the JSON encoding.
type Envelope struct {
	Action string `json:"action"`

	// login
	Name       string `json:"name,omitempty"`
	Password   string `json:"password,omitempty"`
	LibVersion int    `json:"lib_version,omitempty"`
	Type       string `json:"type,omitempty"`

	// keepAlive reuses Type ("ping"/"pong").

	// message
	Client   string `json:"client,omitempty"`
	Player   string `json:"player,omitempty"`
	Message  string `json:"message,omitempty"`
	Receiver string `json:"receiver,omitempty"`

	// command / api
	Sender   string   `json:"sender,omitempty"`
	Command  string   `json:"command,omitempty"`
	Plugin   string   `json:"plugin,omitempty"`
	Function string   `json:"function,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	Result   *Result  `json:"result,omitempty"`

	// result (login reply). Encoded through resultEnvelope because the wire
	// shape is a bare string under the same "result" key the command/api
	// object uses.
	ResultText string `json:"-"`
}

// resultEnvelope is the wire shape of a login result, whose "result" field
// is a bare string rather than the command/api Result object.
type resultEnvelope struct {
	Action string `json:"action"`
	Result string `json:"result"`
}

// NewLogin builds a login envelope for the given identity.
//
// Postcondition: The envelope carries this build's ProtocolVersion.
func NewLogin(name, password, clientType string) *Envelope {
	return &Envelope{
		Action:     ActionLogin,
		Name:       name,
		Password:   password,
		LibVersion: ProtocolVersion,
		Type:       clientType,
	}
}

// NewLoginResult builds the server's reply to a login attempt.
func NewLoginResult(text string) *Envelope {
	return &Envelope{Action: ActionResult, ResultText: text}
}

// NewKeepAlive builds a ping or pong envelope.
//
// Precondition: pingType is PingTypePing or PingTypePong.
func NewKeepAlive(pingType string) *Envelope {
	return &Envelope{Action: ActionKeepAlive, Type: pingType}
}

// NewMessage builds a chat message envelope. An empty receiver means
// broadcast to every other online client.
func NewMessage(client, player, message, receiver string) *Envelope {
	return &Envelope{
		Action:   ActionMessage,
		Client:   client,
		Player:   player,
		Message:  message,
		Receiver: receiver,
	}
}

// NewStop builds a graceful-termination envelope.
func NewStop() *Envelope {
	return &Envelope{Action: ActionStop}
}

// NewCommand builds a command request envelope. Every request is sent with
// Result.Responded false; the reply is the same shape with Responded true.
func NewCommand(sender, receiver, command string) *Envelope {
	return &Envelope{
		Action:   ActionCommand,
		Sender:   sender,
		Receiver: receiver,
		Command:  command,
		Result:   &Result{Responded: false},
	}
}

// NewAPI builds an api request envelope invoking plugin.function(keys...)
// on the receiver.
func NewAPI(sender, receiver, plugin, function string, keys []string) *Envelope {
	return &Envelope{
		Action:   ActionAPI,
		Sender:   sender,
		Receiver: receiver,
		Plugin:   plugin,
		Function: function,
		Keys:     keys,
		Result:   &Result{Responded: false},
	}
}

// Reply returns the answer envelope for a command or api request: the same
// envelope with sender and receiver swapped and a populated, responded
// Result.
//
// Precondition: e.Action is ActionCommand or ActionAPI.
func (e *Envelope) Reply(resultType, result string) *Envelope {
	r := *e
	r.Sender, r.Receiver = e.Receiver, e.Sender
	r.Result = &Result{Responded: true, Type: resultType, Result: result}
	return &r
}

// IsRequest reports whether a command/api envelope is an unanswered request.
func (e *Envelope) IsRequest() bool {
	return (e.Action == ActionCommand || e.Action == ActionAPI) &&
		(e.Result == nil || !e.Result.Responded)
}

// IsReply reports whether a command/api envelope carries an answer.
func (e *Envelope) IsReply() bool {
	return (e.Action == ActionCommand || e.Action == ActionAPI) &&
		e.Result != nil && e.Result.Responded
}

// Marshal encodes the envelope as its wire JSON. Login results are encoded
// with the legacy bare-string "result" field.
//
// Postcondition: Returns a non-empty JSON document or an error.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Action == ActionResult {
		return json.Marshal(resultEnvelope{Action: ActionResult, Result: e.ResultText})
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", e.Action, err)
	}
	return data, nil
}

// Unmarshal decodes wire JSON into an envelope and validates its action tag.
// An envelope without a recognizable action is a protocol violation.
//
// Postcondition: On success the returned envelope has a known Action.
func Unmarshal(data []byte) (*Envelope, error) {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrEnvelope, err)
	}

	switch probe.Action {
	case ActionLogin, ActionKeepAlive, ActionMessage, ActionStop, ActionCommand, ActionAPI:
		var e Envelope
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: decoding %s envelope: %v", ErrEnvelope, probe.Action, err)
		}
		return &e, nil
	case ActionResult:
		var r resultEnvelope
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: decoding result envelope: %v", ErrEnvelope, err)
		}
		return &Envelope{Action: ActionResult, ResultText: r.Result}, nil
	case "":
		return nil, fmt.Errorf("%w: envelope missing action", ErrEnvelope)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrEnvelope, probe.Action)
	}
}
