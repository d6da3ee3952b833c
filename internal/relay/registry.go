// Package relay implements the ChatBridge broker: the client registry, the
// per-connection session state machine, the chat router, and the
// request/response correlator for command and api calls.
package relay

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/R1ckyH/chatbridge/internal/config"
	"github.com/R1ckyH/chatbridge/internal/protocol"
)

// Errors surfaced by the relay engine.
var (
	// ErrAuth means unknown client name or wrong secret.
	ErrAuth = errors.New("authentication failed")
	// ErrOffline means the target client has no live connection.
	ErrOffline = errors.New("target unreachable")
	// ErrCallTimeout means no reply arrived within the correlation window.
	ErrCallTimeout = errors.New("call timed out")
	// ErrSuperseded means a newer call to the same target took over the
	// correlation slot before this call's reply arrived.
	ErrSuperseded = errors.New("call superseded by a newer request")
	// ErrProtocol means the peer sent an envelope the session cannot accept
	// in its current state.
	ErrProtocol = errors.New("protocol violation")
)

// defaultWriteTimeout bounds a single frame write so one stalled client
// cannot wedge the broadcast path.
const defaultWriteTimeout = 10 * time.Second

// ClientRecord is one configured bridge identity and its live connection
// state. Records are created once at startup and live for the process
// lifetime; a re-login replaces the bound connection, never the record.
type ClientRecord struct {
	// Name is the unique client identity.
	Name string

	secret string

	mu         sync.Mutex
	online     bool
	conn       net.Conn
	generation uint64
	clientType string
	libVersion int
	lastPing   time.Time

	// sendMu serializes frame writes from the broadcast path and the
	// RPC-response path so a single TCP write is never interleaved.
	sendMu sync.Mutex

	// pending is the single in-flight correlation slot, owned by the
	// correlator (see rpc.go).
	pendingMu sync.Mutex
	pending   chan callOutcome

	// pongWait is the one-shot liveness probe slot.
	pongMu   sync.Mutex
	pongWait chan time.Time
}

// Bind attaches a connection to the record, superseding any live prior one.
// It returns the superseded connection (nil if none) for the caller to close
// and the generation number identifying this binding.
//
// Postcondition: The record is online and owned by the new connection.
func (r *ClientRecord) Bind(conn net.Conn, clientType string, libVersion int) (prev net.Conn, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.online {
		prev = r.conn
	}
	r.conn = conn
	r.online = true
	r.generation++
	r.clientType = clientType
	r.libVersion = libVersion
	return prev, r.generation
}

// Release marks the record offline, but only when gen still identifies the
// currently bound connection: a superseding reconnect must not be knocked
// offline by the old connection's teardown. Reports whether it released.
func (r *ClientRecord) Release(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.generation != gen || !r.online {
		return false
	}
	r.online = false
	r.conn = nil
	return true
}

// MarkOffline force-drops the current binding, closing its connection. Used
// when a write to this client fails mid-broadcast.
func (r *ClientRecord) MarkOffline() {
	r.mu.Lock()
	conn := r.conn
	r.online = false
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Online reports whether a connection is currently bound.
func (r *ClientRecord) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// ClientType returns the free-form kind tag reported at login.
func (r *ClientRecord) ClientType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientType
}

// TouchPing records keepalive activity from this client.
func (r *ClientRecord) TouchPing() {
	r.mu.Lock()
	r.lastPing = time.Now()
	r.mu.Unlock()
}

// LastPing returns the time of the last keepalive seen from this client.
func (r *ClientRecord) LastPing() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPing
}

// Send marshals, encrypts, and writes one envelope to this client under the
// record's send lock.
//
// Postcondition: Either the whole frame is written or an error is returned;
// frames from concurrent senders are never interleaved.
func (r *ClientRecord) Send(cryptor protocol.Cryptor, env *protocol.Envelope) error {
	r.mu.Lock()
	conn := r.conn
	online := r.online
	r.mu.Unlock()

	if !online || conn == nil {
		return fmt.Errorf("sending %s to %s: %w", env.Action, r.Name, ErrOffline)
	}

	plain, err := env.Marshal()
	if err != nil {
		return err
	}
	payload, err := cryptor.Encrypt(string(plain))
	if err != nil {
		return fmt.Errorf("encrypting %s envelope for %s: %w", env.Action, r.Name, err)
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := protocol.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("writing %s frame to %s: %w", env.Action, r.Name, err)
	}
	return nil
}

// deliverPong completes a waiting liveness probe, if any.
func (r *ClientRecord) deliverPong() {
	r.pongMu.Lock()
	ch := r.pongWait
	r.pongWait = nil
	r.pongMu.Unlock()

	if ch != nil {
		select {
		case ch <- time.Now():
		default:
		}
	}
}

// armPong installs a fresh probe slot, discarding any stale one.
func (r *ClientRecord) armPong() chan time.Time {
	ch := make(chan time.Time, 1)
	r.pongMu.Lock()
	r.pongWait = ch
	r.pongMu.Unlock()
	return ch
}

// Registry is the in-memory directory of configured clients. Membership is
// static after construction; only each record's connection state mutates.
type Registry struct {
	records map[string]*ClientRecord
}

// NewRegistry builds the directory from the configured client identities.
//
// Precondition: entries have unique, non-empty names (config.LoadClients
// enforces this).
func NewRegistry(entries []config.ClientEntry) *Registry {
	records := make(map[string]*ClientRecord, len(entries))
	for _, e := range entries {
		records[e.Name] = &ClientRecord{
			Name:       e.Name,
			secret:     e.Password,
			clientType: e.Type,
		}
	}
	return &Registry{records: records}
}

// Lookup returns the record for name.
func (g *Registry) Lookup(name string) (*ClientRecord, bool) {
	rec, ok := g.records[name]
	return rec, ok
}

// Authenticate compares the presented credentials against the configured
// secret. Unknown names and wrong secrets both return ErrAuth; callers must
// not distinguish the two to the peer.
func (g *Registry) Authenticate(name, password string) (*ClientRecord, error) {
	rec, ok := g.records[name]
	if !ok {
		return nil, fmt.Errorf("unknown client %q: %w", name, ErrAuth)
	}
	if rec.secret != password {
		return nil, fmt.Errorf("wrong secret for %q: %w", name, ErrAuth)
	}
	return rec, nil
}

// All returns every record in name order.
func (g *Registry) All() []*ClientRecord {
	out := make([]*ClientRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnlineNames returns the names of all currently connected clients, sorted.
func (g *Registry) OnlineNames() []string {
	var out []string
	for _, rec := range g.All() {
		if rec.Online() {
			out = append(out, rec.Name)
		}
	}
	return out
}
