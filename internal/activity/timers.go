package activity

import (
	"sync"
	"time"
)

// EventType names a speaking-state transition reported by the agent runtime.
type EventType string

const (
	UserStartedSpeaking  EventType = "user_started_speaking"
	UserStoppedSpeaking  EventType = "user_stopped_speaking"
	AgentStartedSpeaking EventType = "agent_started_speaking"
	AgentStoppedSpeaking EventType = "agent_stopped_speaking"
)

// Event is a single speaking-state transition.
type Event struct {
	Type EventType
	At   time.Time
}

func (t EventType) valid() bool {
	switch t {
	case UserStartedSpeaking, UserStoppedSpeaking, AgentStartedSpeaking, AgentStoppedSpeaking:
		return true
	default:
		return false
	}
}

// Reason explains why a monitor stopped.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonIdleTimeout  Reason = "idle_timeout"
	ReasonMaxDuration  Reason = "max_duration"
	ReasonDisconnected Reason = "disconnected"
	ReasonCanceled     Reason = "canceled"
)

// Timers is the per-session activity record. All access goes through mu
// because speaking callbacks race with the polling evaluator.
type Timers struct {
	mu              sync.Mutex
	sessionStart    time.Time
	lastInteraction time.Time
	warningSent     bool
	agentSpeaking   bool
	userSpeaking    bool
}

// Snapshot is a point-in-time copy of Timers.
type Snapshot struct {
	SessionStart    time.Time
	LastInteraction time.Time
	WarningSent     bool
	AgentSpeaking   bool
	UserSpeaking    bool
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Warn        bool
	Terminate   bool
	Reason      Reason
	IdleTime    time.Duration
	SessionTime time.Duration
}

func NewTimers(start time.Time) *Timers {
	return &Timers{
		sessionStart:    start,
		lastInteraction: start,
	}
}

// Record applies a speaking event. Unknown event types are ignored.
func (t *Timers) Record(ev Event) {
	if !ev.Type.valid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case UserStartedSpeaking:
		t.userSpeaking = true
	case UserStoppedSpeaking:
		t.userSpeaking = false
	case AgentStartedSpeaking:
		t.agentSpeaking = true
	case AgentStoppedSpeaking:
		t.agentSpeaking = false
	}
	t.lastInteraction = ev.At
	t.warningSent = false
}

// Evaluate decides what the monitor should do at now. A warning decision marks
// the warning as sent so it fires once per idle period.
func (t *Timers) Evaluate(now time.Time, cfg Config) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Decision{
		IdleTime:    now.Sub(t.lastInteraction),
		SessionTime: now.Sub(t.sessionStart),
	}
	quiet := !t.agentSpeaking && !t.userSpeaking

	if d.IdleTime >= cfg.WarningDelay && !t.warningSent && quiet {
		d.Warn = true
		t.warningSent = true
	}

	switch {
	case d.SessionTime >= cfg.MaxSessionDuration:
		d.Terminate = true
		d.Reason = ReasonMaxDuration
	case d.IdleTime >= cfg.IdleTimeout && quiet:
		d.Terminate = true
		d.Reason = ReasonIdleTimeout
	}
	return d
}

func (t *Timers) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		SessionStart:    t.sessionStart,
		LastInteraction: t.lastInteraction,
		WarningSent:     t.warningSent,
		AgentSpeaking:   t.agentSpeaking,
		UserSpeaking:    t.userSpeaking,
	}
}
