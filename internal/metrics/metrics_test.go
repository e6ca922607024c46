package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.ObserveScan("quarantine", 20*time.Millisecond)
	m.ObserveFinding("exfiltration", "high")
	m.ObserveCheck("drifted")
	m.ObserveTransition("monitoring", "alert")
	m.SetState("host-1", "alert", []string{"monitoring", "alert", "lockdown"})
	m.ObserveReport("verdict")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`chitinwall_scans_total{action="quarantine"} 1`,
		`chitinwall_findings_total{category="exfiltration",severity="high"} 1`,
		`chitinwall_integrity_checks_total{status="drifted"} 1`,
		`chitinwall_state_transitions_total{from="monitoring",to="alert"} 1`,
		`chitinwall_agent_state{agent="host-1",state="alert"} 1`,
		`chitinwall_agent_state{agent="host-1",state="lockdown"} 0`,
		`chitinwall_fleet_reports_total{kind="verdict"} 1`,
		`chitinwall_scan_duration_seconds_count 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveScan("allow", time.Second)
	m.ObserveFinding("x", "low")
	m.ObserveCheck("unchanged")
	m.ObserveTransition("a", "b")
	m.SetState("a", "b", []string{"b"})
	m.ObserveReport("verdict")
}
