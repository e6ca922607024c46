// Package fleet aggregates agent verdicts and state transitions on a
// central server. Agents push reports over HTTP as JSON; the server keeps
// a bounded per-agent history in memory and exports fleet metrics.
package fleet

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/chitinwall/chitinwall/internal/agentstate"
	"github.com/chitinwall/chitinwall/internal/redact"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

type Kind string

const (
	KindVerdict    Kind = "verdict"
	KindTransition Kind = "transition"
	KindHeartbeat  Kind = "heartbeat"
)

// Report is one message from an agent. Verdict is set for verdict
// reports, Transition for transition reports; heartbeats carry only the
// state.
type Report struct {
	Kind       Kind                   `json:"kind"`
	Time       time.Time              `json:"time"`
	State      agentstate.State       `json:"state,omitempty"`
	Verdict    *verdict.Verdict       `json:"verdict,omitempty"`
	Transition *agentstate.Transition `json:"transition,omitempty"`
}

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidAgentID reports whether id can name an agent on the server.
func ValidAgentID(id string) bool { return agentIDPattern.MatchString(id) }

var allStates = []string{
	string(agentstate.StateMonitoring),
	string(agentstate.StateAlert),
	string(agentstate.StateLockdown),
}

func validState(s agentstate.State) bool {
	for _, known := range allStates {
		if string(s) == known {
			return true
		}
	}
	return false
}

func (r *Report) Validate() error {
	if r.State != "" && !validState(r.State) {
		return fmt.Errorf("unknown state %q", r.State)
	}
	switch r.Kind {
	case KindVerdict:
		if r.Verdict == nil {
			return errors.New("verdict report without verdict")
		}
	case KindTransition:
		if r.Transition == nil {
			return errors.New("transition report without transition")
		}
		if !validState(r.Transition.To) {
			return fmt.Errorf("unknown state %q", r.Transition.To)
		}
	case KindHeartbeat:
	default:
		return fmt.Errorf("unknown report kind %q", r.Kind)
	}
	return nil
}

// sanitize masks secrets in the free-text fields of r before it is
// stored. Agents redact excerpts already; the server does not trust that.
func (r *Report) sanitize() {
	if v := r.Verdict; v != nil {
		for i := range v.Findings {
			v.Findings[i].Excerpt = redact.Redact(v.Findings[i].Excerpt)
		}
		v.Reasons = redact.All(v.Reasons)
	}
	if t := r.Transition; t != nil {
		t.Trigger.Reason = redact.Redact(t.Trigger.Reason)
	}
}
