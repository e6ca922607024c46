// Package agentstate owns the agent's protection level. Verdicts and
// operator commands drive it between Monitoring, Alert and Lockdown;
// only a credential accepted by the Authorizer leaves Lockdown.
package agentstate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chitinwall/chitinwall/internal/integrity"
	"github.com/chitinwall/chitinwall/internal/ioc"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

type State string

const (
	StateMonitoring State = "monitoring"
	StateAlert      State = "alert"
	StateLockdown   State = "lockdown"
)

var (
	ErrNotLockedDown = errors.New("agent is not in lockdown")
	ErrNotAlerted    = errors.New("agent is not in alert")
	ErrNoAuthorizer  = errors.New("no authorizer configured; lockdown cannot be released")
)

// Trigger names what caused a transition: a verdict id or a command.
type Trigger struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

const (
	TriggerVerdict = "verdict"
	TriggerCommand = "command"
)

type Transition struct {
	ID      string    `json:"id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Trigger Trigger   `json:"trigger"`
	Time    time.Time `json:"time"`
}

// Hook receives transitions in the order they happen. Hooks run
// synchronously and must not call Lockdown, Release or Acknowledge.
type Hook interface {
	OnTransition(Transition)
}

type HookFunc func(Transition)

func (f HookFunc) OnTransition(t Transition) { f(t) }

// Authorizer decides whether a credential may release a lockdown.
type Authorizer interface {
	Authorize(s integrity.Signer) error
}

// Record is the retained summary of a submitted verdict.
type Record struct {
	VerdictID string         `json:"verdict_id"`
	Time      time.Time      `json:"time"`
	SkillID   string         `json:"skill_id,omitempty"`
	Risk      ioc.Severity   `json:"risk"`
	Action    verdict.Action `json:"action"`
	Findings  int            `json:"findings"`
	Drift     int            `json:"drift"`
	State     State          `json:"state"`
}

// Status is a point-in-time view of the machine.
type Status struct {
	State       State        `json:"state"`
	Since       time.Time    `json:"since"`
	Verdicts    []Record     `json:"verdicts"`
	Transitions []Transition `json:"transitions"`
	Queued      int          `json:"queued"`
}

type Options struct {
	// History bounds retained verdict records and transitions.
	History    int
	Authorizer Authorizer
	Store      Store
	Now        func() time.Time
	Logger     *slog.Logger
}

const DefaultHistory = 50

// Machine is safe for concurrent use.
type Machine struct {
	authorizer Authorizer
	store      Store
	history    int
	now        func() time.Time
	log        *slog.Logger

	mu   sync.Mutex
	snap Snapshot

	hookMu sync.Mutex
	hooks  []Hook

	queueMu  sync.Mutex
	queue    []verdict.Verdict
	draining bool
}

// New builds a machine, restoring the last snapshot from opts.Store when
// one exists.
func New(opts Options) (*Machine, error) {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Machine{
		authorizer: opts.Authorizer,
		store:      opts.Store,
		history:    opts.History,
		now:        opts.Now,
		log:        opts.Logger,
		snap:       Snapshot{State: StateMonitoring, Since: opts.Now().UTC()},
	}
	if m.store != nil {
		snap, err := m.store.Load()
		if err != nil {
			return nil, fmt.Errorf("restoring agent state: %w", err)
		}
		if snap != nil {
			m.snap = *snap
		}
	}
	return m, nil
}

// AddHook registers h for every later transition.
func (m *Machine) AddHook(h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh()
	return m.snap.State
}

// Status returns the state plus the last n verdict records and
// transitions, newest last. n <= 0 returns all retained.
func (m *Machine) Status(n int) Status {
	m.queueMu.Lock()
	queued := len(m.queue)
	m.queueMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh()
	return Status{
		State:       m.snap.State,
		Since:       m.snap.Since,
		Verdicts:    tail(m.snap.Verdicts, n),
		Transitions: tail(m.snap.Transitions, n),
		Queued:      queued,
	}
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}

// Submit queues v and applies queued verdicts in order. The call that
// finds the queue idle drains it and returns the state after the last
// verdict it applied. A call made while another call is draining,
// including one from a hook, does not wait: it returns the state at that
// moment, which may not reflect v yet, and v is applied before the
// draining call returns.
func (m *Machine) Submit(v verdict.Verdict) State {
	m.queueMu.Lock()
	m.queue = append(m.queue, v)
	if m.draining {
		m.queueMu.Unlock()
		return m.State()
	}
	m.draining = true
	m.queueMu.Unlock()

	var state State
	for {
		m.queueMu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.queueMu.Unlock()
			return state
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.queueMu.Unlock()
		state = m.apply(next)
	}
}

func (m *Machine) apply(v verdict.Verdict) State {
	m.mu.Lock()
	m.refresh()
	from := m.snap.State
	to := from
	switch v.Action {
	case verdict.ActionLockdown:
		to = StateLockdown
	case verdict.ActionWarn, verdict.ActionQuarantine:
		if from == StateMonitoring {
			to = StateAlert
		}
	}

	rec := Record{
		VerdictID: v.ID,
		Time:      v.Time,
		SkillID:   v.SkillID,
		Risk:      v.Risk,
		Action:    v.Action,
		Findings:  len(v.Findings),
		Drift:     len(v.Drift),
		State:     to,
	}
	m.snap.Verdicts = trim(append(m.snap.Verdicts, rec), m.history)

	var t *Transition
	if to != from {
		reason := ""
		if len(v.Reasons) > 0 {
			reason = v.Reasons[0]
		}
		t = m.transition(to, Trigger{Kind: TriggerVerdict, Reference: v.ID, Reason: reason})
	}
	m.persist()
	m.deliver(t)
	return to
}

// Lockdown forces the agent into lockdown.
func (m *Machine) Lockdown(reason string) State {
	m.mu.Lock()
	m.refresh()
	var t *Transition
	if m.snap.State != StateLockdown {
		t = m.transition(StateLockdown, Trigger{Kind: TriggerCommand, Reference: "lockdown", Reason: reason})
		m.persist()
	}
	m.deliver(t)
	return StateLockdown
}

// Release returns a locked-down agent to Monitoring when cred passes
// the authorizer. Any failure leaves the state untouched.
func (m *Machine) Release(cred integrity.Signer) (State, error) {
	if m.State() != StateLockdown {
		return m.State(), ErrNotLockedDown
	}
	if m.authorizer == nil {
		return StateLockdown, ErrNoAuthorizer
	}
	if err := m.authorizer.Authorize(cred); err != nil {
		m.log.Warn("lockdown release refused", "error", err)
		return StateLockdown, err
	}

	m.mu.Lock()
	m.refresh()
	if m.snap.State != StateLockdown {
		state := m.snap.State
		m.mu.Unlock()
		return state, ErrNotLockedDown
	}
	t := m.transition(StateMonitoring, Trigger{Kind: TriggerCommand, Reference: "release", Reason: "released by " + cred.KeyID()})
	m.persist()
	m.deliver(t)
	return StateMonitoring, nil
}

// Acknowledge clears an alert.
func (m *Machine) Acknowledge(reason string) (State, error) {
	m.mu.Lock()
	m.refresh()
	if m.snap.State != StateAlert {
		state := m.snap.State
		m.mu.Unlock()
		return state, ErrNotAlerted
	}
	t := m.transition(StateMonitoring, Trigger{Kind: TriggerCommand, Reference: "acknowledge", Reason: reason})
	m.persist()
	m.deliver(t)
	return StateMonitoring, nil
}

// transition must be called with mu held.
func (m *Machine) transition(to State, trigger Trigger) *Transition {
	now := m.now().UTC()
	t := Transition{
		ID:      uuid.NewString(),
		From:    m.snap.State,
		To:      to,
		Trigger: trigger,
		Time:    now,
	}
	m.snap.State = to
	m.snap.Since = now
	m.snap.Transitions = trim(append(m.snap.Transitions, t), m.history)
	m.log.Info("agent state changed", "from", t.From, "to", t.To, "trigger", trigger.Kind, "reference", trigger.Reference)
	return &t
}

// deliver releases mu and runs the hooks for t. Taking hookMu before
// releasing mu keeps hook order equal to transition order.
func (m *Machine) deliver(t *Transition) {
	m.hookMu.Lock()
	m.mu.Unlock()
	defer m.hookMu.Unlock()
	if t == nil {
		return
	}
	for _, h := range m.hooks {
		h.OnTransition(*t)
	}
}

func trim[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append([]T(nil), s[len(s)-n:]...)
}
