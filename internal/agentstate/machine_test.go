package agentstate

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chitinwall/chitinwall/internal/engine"
	"github.com/chitinwall/chitinwall/internal/integrity"
	"github.com/chitinwall/chitinwall/internal/ioc"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

func credential(t *testing.T) *integrity.Credential {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return integrity.NewCredential(priv)
}

func newMachine(t *testing.T, opts Options) *Machine {
	t.Helper()
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

var agg = verdict.New(verdict.DefaultPolicy())

func verdictFor(findings ...engine.Finding) verdict.Verdict {
	return agg.Aggregate("skill", "v1", findings, nil)
}

func TestMachine_Transitions(t *testing.T) {
	m := newMachine(t, Options{})
	if m.State() != StateMonitoring {
		t.Fatalf("initial state: %s", m.State())
	}

	if got := m.Submit(verdictFor()); got != StateMonitoring {
		t.Errorf("allow verdict moved state to %s", got)
	}
	warn := verdictFor(engine.Finding{RuleID: "r", Severity: ioc.SeverityLow, Category: ioc.CategoryObfuscation})
	if got := m.Submit(warn); got != StateAlert {
		t.Errorf("warn verdict: got %s, want alert", got)
	}
	if got := m.Submit(verdictFor()); got != StateAlert {
		t.Errorf("allow verdict must not clear an alert, got %s", got)
	}

	state, err := m.Acknowledge("reviewed")
	if err != nil || state != StateMonitoring {
		t.Errorf("Acknowledge: %s, %v", state, err)
	}
	if _, err := m.Acknowledge("again"); !errors.Is(err, ErrNotAlerted) {
		t.Errorf("acknowledge outside alert: %v", err)
	}

	status := m.Status(0)
	if len(status.Verdicts) != 3 || len(status.Transitions) != 2 {
		t.Fatalf("status: %d verdicts, %d transitions", len(status.Verdicts), len(status.Transitions))
	}
	first := status.Transitions[0]
	if first.From != StateMonitoring || first.To != StateAlert || first.Trigger.Kind != TriggerVerdict || first.Trigger.Reference != warn.ID {
		t.Errorf("transition should reference the verdict: %+v", first)
	}
	if first.ID == "" || first.ID == status.Transitions[1].ID {
		t.Error("transitions need distinct ids")
	}
}

func TestMachine_CriticalPrivilegeEscalation(t *testing.T) {
	operator := credential(t)
	m := newMachine(t, Options{Authorizer: integrity.NewTrustAnchor(operator.Public())})

	v := verdictFor(engine.Finding{RuleID: "privesc-setuid-bit", Severity: ioc.SeverityCritical, Category: ioc.CategoryPrivilegeEscalation})
	if v.Action != verdict.ActionLockdown {
		t.Fatalf("expected lockdown verdict, got %s", v.Action)
	}
	if got := m.Submit(v); got != StateLockdown {
		t.Fatalf("expected direct lockdown from monitoring, got %s", got)
	}
	if trs := m.Status(0).Transitions; len(trs) != 1 || trs[0].From != StateMonitoring {
		t.Errorf("lockdown should not pass through alert: %+v", trs)
	}

	if _, err := m.Release(credential(t)); !errors.Is(err, integrity.ErrInvalidCredential) {
		t.Errorf("foreign credential: %v", err)
	}
	var none *integrity.Credential
	if _, err := m.Release(none); !errors.Is(err, integrity.ErrInvalidCredential) {
		t.Errorf("nil credential: %v", err)
	}
	if m.State() != StateLockdown {
		t.Fatal("failed release changed state")
	}

	if got := m.Submit(verdictFor()); got != StateLockdown {
		t.Errorf("allow verdict left lockdown: %s", got)
	}
	if _, err := m.Acknowledge("nope"); !errors.Is(err, ErrNotAlerted) || m.State() != StateLockdown {
		t.Error("acknowledge must not leave lockdown")
	}

	state, err := m.Release(operator)
	if err != nil || state != StateMonitoring {
		t.Fatalf("Release: %s, %v", state, err)
	}
	if _, err := m.Release(operator); !errors.Is(err, ErrNotLockedDown) {
		t.Errorf("release outside lockdown: %v", err)
	}
}

func TestMachine_ReleaseWithoutAuthorizer(t *testing.T) {
	m := newMachine(t, Options{})
	m.Lockdown("manual")
	if _, err := m.Release(credential(t)); !errors.Is(err, ErrNoAuthorizer) {
		t.Errorf("expected ErrNoAuthorizer, got %v", err)
	}
	if m.State() != StateLockdown {
		t.Error("state changed without authorizer")
	}
}

func TestMachine_LockdownCommandIsIdempotent(t *testing.T) {
	m := newMachine(t, Options{})
	m.Lockdown("first")
	m.Lockdown("second")
	trs := m.Status(0).Transitions
	if len(trs) != 1 || trs[0].Trigger.Kind != TriggerCommand || trs[0].Trigger.Reason != "first" {
		t.Errorf("transitions: %+v", trs)
	}
}

func TestMachine_Hooks(t *testing.T) {
	m := newMachine(t, Options{})
	var got []Transition
	m.AddHook(HookFunc(func(tr Transition) { got = append(got, tr) }))

	m.Submit(verdictFor(engine.Finding{RuleID: "r", Severity: ioc.SeverityMedium, Category: ioc.CategoryExfiltration}))
	m.Lockdown("operator")
	if len(got) != 2 || got[0].To != StateAlert || got[1].To != StateLockdown {
		t.Fatalf("hook saw %+v", got)
	}
}

func TestMachine_HookSubmitIsQueued(t *testing.T) {
	m := newMachine(t, Options{})
	lock := verdictFor(engine.Finding{RuleID: "p", Severity: ioc.SeverityCritical, Category: ioc.CategoryPrivilegeEscalation})
	var seen []State
	m.AddHook(HookFunc(func(tr Transition) {
		seen = append(seen, tr.To)
		if tr.To == StateAlert {
			m.Submit(lock)
		}
	}))
	warn := verdictFor(engine.Finding{RuleID: "w", Severity: ioc.SeverityLow, Category: ioc.CategoryObfuscation})
	if got := m.Submit(warn); got != StateLockdown {
		t.Fatalf("queued verdict should be applied before Submit returns, got %s", got)
	}
	if len(seen) != 2 || seen[1] != StateLockdown {
		t.Errorf("transitions: %v", seen)
	}
}

func TestMachine_SubmitWhileDraining(t *testing.T) {
	m := newMachine(t, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	m.AddHook(HookFunc(func(tr Transition) {
		if tr.To == StateAlert {
			close(entered)
			<-release
		}
	}))

	warn := verdictFor(engine.Finding{RuleID: "w", Severity: ioc.SeverityLow, Category: ioc.CategoryObfuscation})
	lock := verdictFor(engine.Finding{RuleID: "p", Severity: ioc.SeverityCritical, Category: ioc.CategoryPrivilegeEscalation})
	drained := make(chan State)
	go func() { drained <- m.Submit(warn) }()
	<-entered

	if got := m.Submit(lock); got != StateAlert {
		t.Errorf("Submit during a drain should return the current state, got %s", got)
	}
	if q := m.Status(0).Queued; q != 1 {
		t.Errorf("queued = %d, want 1", q)
	}
	close(release)
	if got := <-drained; got != StateLockdown {
		t.Errorf("draining Submit returned %s, want lockdown", got)
	}
	if m.State() != StateLockdown || m.Status(0).Queued != 0 {
		t.Errorf("after drain: %+v", m.Status(0))
	}
}

func TestMachine_ConcurrentSubmit(t *testing.T) {
	m := newMachine(t, Options{History: 500})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Submit(verdictFor(engine.Finding{RuleID: "r", Severity: ioc.SeverityLow, Category: ioc.CategoryObfuscation}))
		}()
	}
	wg.Wait()
	status := m.Status(0)
	if len(status.Verdicts) != 100 || status.Queued != 0 {
		t.Errorf("expected 100 recorded verdicts and an empty queue, got %d / %d", len(status.Verdicts), status.Queued)
	}
	if status.State != StateAlert || len(status.Transitions) != 1 {
		t.Errorf("state %s with %d transitions", status.State, len(status.Transitions))
	}
}

func TestMachine_HistoryBound(t *testing.T) {
	m := newMachine(t, Options{History: 3})
	for i := 0; i < 10; i++ {
		m.Submit(verdictFor())
	}
	if n := len(m.Status(0).Verdicts); n != 3 {
		t.Errorf("history not bounded: %d", n)
	}
	if n := len(m.Status(2).Verdicts); n != 2 {
		t.Errorf("Status(2) returned %d", n)
	}
}

func TestMachine_Persistence(t *testing.T) {
	store := FileStore{Path: filepath.Join(t.TempDir(), "state.json")}
	first := newMachine(t, Options{Store: store})
	first.Lockdown("operator")

	second := newMachine(t, Options{Store: store})
	if second.State() != StateLockdown {
		t.Fatalf("restored state: %s", second.State())
	}

	operator := credential(t)
	third := newMachine(t, Options{Store: store, Authorizer: integrity.NewTrustAnchor(operator.Public())})
	if _, err := third.Release(operator); err != nil {
		t.Fatal(err)
	}
	if first.State() != StateMonitoring {
		t.Error("a running machine should pick up a release made by another process")
	}
}
