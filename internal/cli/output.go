package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/chitinwall/chitinwall/internal/agentstate"
	"github.com/chitinwall/chitinwall/internal/engine"
	"github.com/chitinwall/chitinwall/internal/integrity"
	"github.com/chitinwall/chitinwall/internal/ioc"
	"github.com/chitinwall/chitinwall/internal/scanner"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

// printer renders command results, with colour only on a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, color: color}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) header(title string) {
	fmt.Fprintln(p.w, p.style(headerStyle, title))
	fmt.Fprintln(p.w, p.style(dimStyle, strings.Repeat("─", 60)))
}

func (p *printer) action(a verdict.Action) string {
	label := strings.ToUpper(string(a))
	switch a {
	case verdict.ActionAllow:
		return p.style(okStyle, label)
	case verdict.ActionWarn:
		return p.style(warnStyle, label)
	default:
		return p.style(badStyle, label)
	}
}

func (p *printer) severity(s ioc.Severity) string {
	label := strings.ToUpper(s.String())
	switch {
	case s >= ioc.SeverityHigh:
		return p.style(badStyle, label)
	case s >= ioc.SeverityMedium:
		return p.style(warnStyle, label)
	default:
		return p.style(dimStyle, label)
	}
}

func (p *printer) state(s agentstate.State) string {
	label := strings.ToUpper(string(s))
	switch s {
	case agentstate.StateMonitoring:
		return p.style(okStyle, label)
	case agentstate.StateAlert:
		return p.style(warnStyle, label)
	default:
		return p.style(badStyle, label)
	}
}

func (p *printer) scanReport(r *scanner.ScanReport) {
	v := r.Verdict
	fmt.Fprintf(p.w, "%s  %s  risk %s  (%d findings, %d sections, corpus %s)\n",
		p.action(v.Action), r.Skill, p.severity(v.Risk), len(v.Findings), r.Sections, v.CorpusVersion)
	for _, f := range v.Findings {
		p.finding(f)
	}
	for _, reason := range v.Reasons {
		fmt.Fprintf(p.w, "    %s %s\n", p.style(dimStyle, "reason:"), reason)
	}
}

func (p *printer) finding(f engine.Finding) {
	fmt.Fprintf(p.w, "  %-8s %-14s %s\n", p.severity(f.Severity), f.RuleID, f.Description)
	loc := f.File
	if loc == "" {
		loc = fmt.Sprintf("section %d", f.Section)
	}
	fmt.Fprintf(p.w, "           %s %s\n", p.style(dimStyle, loc+":"), f.Excerpt)
}

func (p *printer) integrity(results []scanner.IntegrityResult) {
	for _, r := range results {
		mark := ""
		if r.Critical {
			mark = " (critical)"
		}
		switch {
		case r.Err != nil:
			fmt.Fprintf(p.w, "  %s  %s%s: %v\n", p.style(badStyle, "ERROR    "), r.Path, mark, r.Err)
		case r.Result.Drifted():
			fmt.Fprintf(p.w, "  %s  %s%s\n", p.style(badStyle, "DRIFTED  "), r.Path, mark)
			fmt.Fprintf(p.w, "             %s %s -> %s\n", p.style(dimStyle, "digest"), short(r.Result.OldDigest), short(r.Result.NewDigest))
		case r.Result.Status == integrity.StatusUnbaselined:
			fmt.Fprintf(p.w, "  %s  %s%s\n", p.style(warnStyle, "NO BASE  "), r.Path, mark)
		default:
			fmt.Fprintf(p.w, "  %s  %s%s\n", p.style(okStyle, "OK       "), r.Path, mark)
		}
	}
}

func short(digest string) string {
	if digest == "" {
		return "(missing)"
	}
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}
