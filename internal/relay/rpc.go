package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/protocol"
)

// callOutcome is what a waiting caller receives through the correlation slot.
type callOutcome struct {
	result *protocol.Result
	err    error
}

// Correlator matches outbound command/api requests to their asynchronous
// replies. The protocol carries no correlation identifier, so at most one
// call per target can be in flight: each ClientRecord holds a single slot.
// Acquiring the slot while a call is pending fails the prior caller with
// ErrSuperseded rather than leaving it to hang until its own timeout.
type Correlator struct {
	registry *Registry
	cryptor  protocol.Cryptor
	timeout  time.Duration
	logger   *zap.Logger
}

// NewCorrelator creates a Correlator.
//
// Precondition: registry, cryptor and logger must be non-nil; timeout > 0.
func NewCorrelator(registry *Registry, cryptor protocol.Cryptor, timeout time.Duration, logger *zap.Logger) *Correlator {
	return &Correlator{
		registry: registry,
		cryptor:  cryptor,
		timeout:  timeout,
		logger:   logger,
	}
}

// Call sends a command/api request to target and blocks until the reply
// arrives, the correlation window elapses (ErrCallTimeout), the context is
// cancelled, or a newer call steals the slot (ErrSuperseded). An offline
// target fails immediately with ErrOffline; no frame is sent.
//
// Precondition: env.IsRequest() is true.
// Postcondition: The target's correlation slot no longer belongs to this call.
func (c *Correlator) Call(ctx context.Context, target string, env *protocol.Envelope) (*protocol.Result, error) {
	rec, ok := c.registry.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("calling %q: %w", target, ErrOffline)
	}
	if !rec.Online() {
		return nil, fmt.Errorf("calling %q: %w", target, ErrOffline)
	}

	slot := c.acquire(rec)

	if err := rec.Send(c.cryptor, env); err != nil {
		c.release(rec, slot)
		rec.MarkOffline()
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case outcome := <-slot:
		return outcome.result, outcome.err
	case <-timer.C:
		c.release(rec, slot)
		return nil, fmt.Errorf("calling %q: %w", target, ErrCallTimeout)
	case <-ctx.Done():
		c.release(rec, slot)
		return nil, ctx.Err()
	}
}

// Deliver resolves the pending call on the record a reply arrived from.
// Reports whether a caller was waiting; stale replies (timed-out or
// superseded calls) are dropped by the session after logging.
//
// Precondition: env.IsReply() is true.
func (c *Correlator) Deliver(rec *ClientRecord, env *protocol.Envelope) bool {
	rec.pendingMu.Lock()
	slot := rec.pending
	rec.pending = nil
	rec.pendingMu.Unlock()

	if slot == nil {
		return false
	}
	slot <- callOutcome{result: env.Result}
	return true
}

// acquire installs a fresh slot on the record, failing any prior caller.
func (c *Correlator) acquire(rec *ClientRecord) chan callOutcome {
	slot := make(chan callOutcome, 1)

	rec.pendingMu.Lock()
	prior := rec.pending
	rec.pending = slot
	rec.pendingMu.Unlock()

	if prior != nil {
		c.logger.Warn("correlation slot overwritten by newer call",
			zap.String("target", rec.Name),
		)
		prior <- callOutcome{err: fmt.Errorf("calling %q: %w", rec.Name, ErrSuperseded)}
	}
	return slot
}

// release clears the slot if it still belongs to this call.
func (c *Correlator) release(rec *ClientRecord, slot chan callOutcome) {
	rec.pendingMu.Lock()
	if rec.pending == slot {
		rec.pending = nil
	}
	rec.pendingMu.Unlock()
}
