// Package verdict folds findings and integrity drift into a single risk
// level and recommended action. The policy table is data, so operators
// can tune thresholds without code changes.
package verdict

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chitinwall/chitinwall/internal/engine"
	"github.com/chitinwall/chitinwall/internal/ioc"
)

// Action is the enforcement recommendation. Actions are ordered.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionWarn       Action = "warn"
	ActionQuarantine Action = "quarantine"
	ActionLockdown   Action = "lockdown"
)

var actionRank = map[Action]int{
	ActionAllow:      0,
	ActionWarn:       1,
	ActionQuarantine: 2,
	ActionLockdown:   3,
}

// Rank orders actions from least to most restrictive.
func (a Action) Rank() int { return actionRank[a] }

// Drift is an integrity failure on a protected path.
type Drift struct {
	Path      string `json:"path"`
	OldDigest string `json:"old_digest"`
	NewDigest string `json:"new_digest"`
	Critical  bool   `json:"critical"`
	Reason    string `json:"reason,omitempty"`
}

func (d Drift) describe() string {
	if d.Reason == "" {
		return d.Path
	}
	return d.Path + " (" + d.Reason + ")"
}

// Verdict is the aggregated outcome of one scan or integrity sweep. ID
// and Time identify one delivery. Every other field is a function of the
// findings, the drift and the policy, so rescanning unchanged input
// yields an equal verdict apart from those two.
type Verdict struct {
	ID            string           `json:"id"`
	Time          time.Time        `json:"time"`
	SkillID       string           `json:"skill_id,omitempty"`
	Risk          ioc.Severity     `json:"risk"`
	Action        Action           `json:"action"`
	Findings      []engine.Finding `json:"findings"`
	Drift         []Drift          `json:"drift"`
	CorpusVersion string           `json:"corpus_version,omitempty"`
	Reasons       []string         `json:"reasons"`
}

// Policy is the table mapping risk to action.
type Policy struct {
	// LockdownSeverity and LockdownCategories select findings that lock
	// the agent down on their own.
	LockdownSeverity   ioc.Severity   `yaml:"lockdown_severity"`
	LockdownCategories []ioc.Category `yaml:"lockdown_categories"`
	// LockdownOnCriticalDrift locks down when a critical protected file
	// drifts.
	LockdownOnCriticalDrift bool `yaml:"lockdown_on_critical_drift"`
	// QuarantineAt is the lowest risk that quarantines.
	QuarantineAt ioc.Severity `yaml:"quarantine_at"`
	// QuarantineOnDrift quarantines on any drift.
	QuarantineOnDrift bool `yaml:"quarantine_on_drift"`
}

func DefaultPolicy() Policy {
	return Policy{
		LockdownSeverity:        ioc.SeverityCritical,
		LockdownCategories:      []ioc.Category{ioc.CategoryPrivilegeEscalation},
		LockdownOnCriticalDrift: true,
		QuarantineAt:            ioc.SeverityMedium,
		QuarantineOnDrift:       true,
	}
}

// Validate rejects a policy whose thresholds are unset.
func (p Policy) Validate() error {
	if p.LockdownSeverity == ioc.SeverityNone {
		return fmt.Errorf("verdict policy: lockdown_severity must be set")
	}
	if p.QuarantineAt == ioc.SeverityNone {
		return fmt.Errorf("verdict policy: quarantine_at must be set")
	}
	for _, c := range p.LockdownCategories {
		if !ioc.ValidCategory(c) {
			return fmt.Errorf("verdict policy: invalid category %q", c)
		}
	}
	return nil
}

// Aggregator applies a Policy.
type Aggregator struct {
	policy Policy
	now    func() time.Time
}

func New(policy Policy) *Aggregator {
	return &Aggregator{policy: policy, now: time.Now}
}

func (a *Aggregator) Policy() Policy { return a.policy }

// Aggregate computes the verdict. findings must already be in engine
// order; drift is copied through untouched.
func (a *Aggregator) Aggregate(skillID, corpusVersion string, findings []engine.Finding, drift []Drift) Verdict {
	v := Verdict{
		ID:            uuid.NewString(),
		Time:          a.now().UTC(),
		SkillID:       skillID,
		Findings:      findings,
		Drift:         drift,
		CorpusVersion: corpusVersion,
	}
	if v.Findings == nil {
		v.Findings = []engine.Finding{}
	}
	if v.Drift == nil {
		v.Drift = []Drift{}
	}
	v.Risk = Risk(findings, drift)
	v.Action, v.Reasons = a.decide(v.Risk, findings, drift)
	return v
}

// Risk is the highest finding severity, raised one level when any
// protected file drifted. Drift alone is Info.
func Risk(findings []engine.Finding, drift []Drift) ioc.Severity {
	risk := ioc.SeverityNone
	for _, f := range findings {
		if f.Severity > risk {
			risk = f.Severity
		}
	}
	if len(drift) > 0 {
		if risk == ioc.SeverityNone {
			return ioc.SeverityInfo
		}
		return risk.Escalate()
	}
	return risk
}

func (a *Aggregator) decide(risk ioc.Severity, findings []engine.Finding, drift []Drift) (Action, []string) {
	p := a.policy
	var reasons []string
	for _, f := range findings {
		if f.Severity >= p.LockdownSeverity && a.lockdownCategory(f.Category) {
			reasons = append(reasons, fmt.Sprintf("%s %s finding %s in %s", f.Severity, f.Category, f.RuleID, f.File))
		}
	}
	if p.LockdownOnCriticalDrift {
		for _, d := range drift {
			if d.Critical {
				reasons = append(reasons, "drift on critical protected file "+d.describe())
			}
		}
	}
	if len(reasons) > 0 {
		return ActionLockdown, reasons
	}

	if risk >= p.QuarantineAt && len(findings) > 0 {
		reasons = append(reasons, fmt.Sprintf("risk %s at or above quarantine threshold %s", risk, p.QuarantineAt))
	}
	if p.QuarantineOnDrift {
		for _, d := range drift {
			reasons = append(reasons, "drift on protected file "+d.describe())
		}
	}
	if len(reasons) > 0 {
		return ActionQuarantine, reasons
	}

	if len(findings) > 0 {
		return ActionWarn, []string{fmt.Sprintf("%d finding(s), highest %s", len(findings), risk)}
	}
	if len(drift) > 0 {
		return ActionWarn, []string{fmt.Sprintf("%d protected file(s) drifted", len(drift))}
	}
	return ActionAllow, []string{}
}

func (a *Aggregator) lockdownCategory(c ioc.Category) bool {
	for _, want := range a.policy.LockdownCategories {
		if want == c {
			return true
		}
	}
	return false
}
