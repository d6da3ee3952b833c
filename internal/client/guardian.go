package client

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBackoff is the reconnect schedule. Attempts past the last entry
// repeat at the final duration indefinitely.
var DefaultBackoff = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
	1200 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
}

// GuardianPhase is the reconnect guardian's state machine position.
type GuardianPhase int

const (
	// PhaseIdle means no reconnect is scheduled.
	PhaseIdle GuardianPhase = iota
	// PhaseWaiting means the guardian is sleeping before the next attempt.
	PhaseWaiting
	// PhaseStopped means the guardian has terminated and accepts no events.
	PhaseStopped
)

// guardianEvent drives the reconnect state machine.
type guardianEvent int

const (
	eventStart guardianEvent = iota
	eventStop
	eventRestart
)

// ReconnectGuardian schedules reconnection attempts after a disconnect,
// walking an escalating backoff schedule. It runs as one long-lived
// goroutine; Start, Stop and Restart are events, not direct mutations, so
// cancellation races reduce to channel ordering.
//
// Semantics: Start begins waiting at the current schedule position (step 0
// after a reset); Stop cancels the in-flight wait and returns to Idle;
// Restart resets the schedule to its start and begins a fresh wait. A
// successful dial resets the schedule and returns to Idle. All three events
// are idempotent and safe after Close.
type ReconnectGuardian struct {
	schedule []time.Duration
	dial     func() error
	logger   *zap.Logger

	events chan guardianEvent
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	phase GuardianPhase
	step  int
}

// NewReconnectGuardian creates a guardian; Run must be called to animate it.
// A nil schedule selects DefaultBackoff.
//
// Precondition: dial and logger must be non-nil.
func NewReconnectGuardian(schedule []time.Duration, dial func() error, logger *zap.Logger) *ReconnectGuardian {
	if schedule == nil {
		schedule = DefaultBackoff
	}
	return &ReconnectGuardian{
		schedule: schedule,
		dial:     dial,
		logger:   logger,
		events:   make(chan guardianEvent, 8),
		done:     make(chan struct{}),
	}
}

// Delay returns the backoff duration for the given schedule position.
// Positions beyond the schedule repeat the final entry.
func (g *ReconnectGuardian) Delay(step int) time.Duration {
	if step < len(g.schedule) {
		return g.schedule[step]
	}
	return g.schedule[len(g.schedule)-1]
}

// Run animates the state machine until Close is called.
//
// Postcondition: The guardian is in PhaseStopped and all waits are cancelled.
func (g *ReconnectGuardian) Run() {
	for {
		g.setPhase(PhaseIdle)

		// Idle: wait for a start/restart event.
		select {
		case <-g.done:
			g.setPhase(PhaseStopped)
			return
		case ev := <-g.events:
			switch ev {
			case eventStart:
			case eventRestart:
				g.resetStep()
			case eventStop:
				continue
			}
		}

		if !g.wait() {
			g.setPhase(PhaseStopped)
			return
		}
	}
}

// wait walks the schedule, attempting a dial after each elapsed step, until
// success, a stop event, or Close. Reports false only on Close.
func (g *ReconnectGuardian) wait() bool {
outer:
	for {
		delay := g.Delay(g.currentStep())
		g.setPhase(PhaseWaiting)
		g.logger.Info("reconnect scheduled",
			zap.Duration("delay", delay),
			zap.Int("attempt", g.currentStep()+1),
		)

		timer := time.NewTimer(delay)
		for {
			select {
			case <-g.done:
				timer.Stop()
				return false
			case ev := <-g.events:
				switch ev {
				case eventStop:
					// Manual stop resets the schedule for the next start.
					timer.Stop()
					g.resetStep()
					return true
				case eventRestart:
					timer.Stop()
					g.resetStep()
					continue outer
				case eventStart:
					// Already waiting: the in-flight timer keeps its
					// elapsed portion; a redundant start must not
					// postpone the attempt.
					continue
				}
			case <-timer.C:
			}
			break
		}

		// tick-elapsed: try once.
		if err := g.dial(); err != nil {
			g.logger.Warn("reconnect attempt failed", zap.Error(err))
			g.advanceStep()
			continue
		}
		g.resetStep()
		return true
	}
}

// Start schedules reconnection from the current schedule position.
func (g *ReconnectGuardian) Start() { g.send(eventStart) }

// Stop cancels any pending wait and resets the schedule. Stopping an
// already-stopped guardian is a no-op.
func (g *ReconnectGuardian) Stop() { g.send(eventStop) }

// Restart resets the schedule to its start and begins a fresh wait,
// cancelling any wait in flight.
func (g *ReconnectGuardian) Restart() { g.send(eventRestart) }

// Close terminates the guardian permanently. Idempotent.
func (g *ReconnectGuardian) Close() {
	g.once.Do(func() { close(g.done) })
}

// Phase returns the current state machine position.
func (g *ReconnectGuardian) Phase() GuardianPhase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *ReconnectGuardian) send(ev guardianEvent) {
	select {
	case <-g.done:
	case g.events <- ev:
	}
}

func (g *ReconnectGuardian) setPhase(p GuardianPhase) {
	g.mu.Lock()
	g.phase = p
	g.mu.Unlock()
}

func (g *ReconnectGuardian) currentStep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.step
}

func (g *ReconnectGuardian) advanceStep() {
	g.mu.Lock()
	if g.step < len(g.schedule) {
		g.step++
	}
	g.mu.Unlock()
}

func (g *ReconnectGuardian) resetStep() {
	g.mu.Lock()
	g.step = 0
	g.mu.Unlock()
}

// KeepaliveGuardian probes the peer with a ping whenever the connection has
// been idle for a full interval. One guardian runs per live connection; it
// is stopped when the connection goes away and a fresh one starts on
// reconnect.
type KeepaliveGuardian struct {
	interval time.Duration
	idleFor  func() time.Duration
	ping     func() error
	logger   *zap.Logger

	stop chan struct{}
	once sync.Once
}

// NewKeepaliveGuardian creates a keepalive guardian.
//
// Precondition: interval > 0; idleFor and ping must be non-nil.
func NewKeepaliveGuardian(interval time.Duration, idleFor func() time.Duration, ping func() error, logger *zap.Logger) *KeepaliveGuardian {
	return &KeepaliveGuardian{
		interval: interval,
		idleFor:  idleFor,
		ping:     ping,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Run probes until Stop is called. The check cadence is a fraction of the
// interval so a probe fires close to the moment idleness crosses it.
func (g *KeepaliveGuardian) Run() {
	tick := g.interval / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if g.idleFor() < g.interval {
				continue
			}
			if err := g.ping(); err != nil {
				g.logger.Warn("keepalive ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Stop terminates the guardian. Stopping an already-stopped guardian is a
// no-op.
func (g *KeepaliveGuardian) Stop() {
	g.once.Do(func() { close(g.stop) })
}
