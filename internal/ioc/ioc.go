// Package ioc holds the indicator-of-compromise vocabulary shared by the
// rule corpus, the matching engine and the verdict aggregator.
package ioc

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity orders findings. The zero value is SeverityNone, which only
// appears as the risk of a verdict with nothing to report.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Escalate raises s by one level, saturating at SeverityCritical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// ParseSeverity accepts the lowercase names used in rule files.
// "none" is rejected: a rule always carries a real level.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	if string(text) == "none" {
		*s = SeverityNone
		return nil
	}
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Category names the kind of compromise a rule indicates.
type Category string

const (
	CategoryExfiltration        Category = "exfiltration"
	CategoryPrivilegeEscalation Category = "privilege-escalation"
	CategoryObfuscation         Category = "obfuscation"
	CategoryCredentialHarvest   Category = "credential-harvesting"
	CategoryPromptInjection     Category = "prompt-injection"
	CategoryPersistence         Category = "persistence"
	CategoryRemoteExecution     Category = "remote-execution"
	CategorySupplyChain         Category = "supply-chain"
	CategoryMemoryTampering     Category = "memory-tampering"
)

var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidCategory reports whether c is usable as a category name. The set
// is open so rule packs can introduce their own categories.
func ValidCategory(c Category) bool {
	return categoryPattern.MatchString(string(c))
}
