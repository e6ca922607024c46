package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/scanner"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

var scanCmd = &cobra.Command{
	Use:   "scan <path>...",
	Short: "Scan skill bundles and report a verdict for each",
	Long: `Parse each skill (a directory, a .zip/.skill archive or a single file),
evaluate the active rule corpus against it and submit the verdict to the
agent state machine.

Exit status is 0 for allow or warn, 2 when any skill is quarantined and 3
when any verdict locks the agent down.

  chitinwall-agent scan ~/Downloads/weather-skill.zip
  chitinwall-agent scan --json ./skills/*`,
	Args: cobra.MinimumNArgs(1),
	RunE: scanCommand,
}

var auditCmd = &cobra.Command{
	Use:   "audit [skill-dir]...",
	Short: "Scan every installed skill",
	Long: `Discover the skills under each directory (default: skill_dirs from
config.yaml) and scan them concurrently. A skill that fails to parse is
reported and does not stop the audit.`,
	RunE: auditCommand,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(auditCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func scanCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	p := newPrinter(cmd.OutOrStdout())
	var reports []*scanner.ScanReport
	worst := verdict.ActionAllow
	failed := 0
	for _, path := range args {
		report, err := a.svc.Scan(ctx, path)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		reports = append(reports, report)
		if report.Verdict.Action.Rank() > worst.Rank() {
			worst = report.Verdict.Action
		}
	}

	if jsonOutput {
		if err := p.json(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			p.scanReport(r)
		}
		if len(reports) > 0 {
			fmt.Fprintf(p.w, "\nAgent state: %s\n", p.state(a.machine.State()))
		}
	}
	return verdictExit(worst, failed)
}

func auditCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	dirs := args
	if len(dirs) == 0 {
		dirs = a.cfg.SkillDirs
	}
	skills, err := scanner.DiscoverSkills(dirs)
	if err != nil {
		return err
	}
	results := a.svc.Audit(ctx, skills)

	worst := verdict.ActionAllow
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		if r.Report.Verdict.Action.Rank() > worst.Rank() {
			worst = r.Report.Verdict.Action
		}
	}

	p := newPrinter(cmd.OutOrStdout())
	if jsonOutput {
		type row struct {
			scanner.AuditResult
			Error string `json:"error,omitempty"`
		}
		rows := make([]row, len(results))
		for i, r := range results {
			rows[i] = row{AuditResult: r}
			if r.Err != nil {
				rows[i].Error = r.Err.Error()
			}
		}
		if err := p.json(rows); err != nil {
			return err
		}
		return verdictExit(worst, failed)
	}

	p.header(fmt.Sprintf("Skill audit: %d skills in %d directories", len(skills), len(dirs)))
	if len(skills) == 0 {
		fmt.Fprintln(p.w, "No skills found.")
		return nil
	}
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(p.w, "%s  %s: %v\n", p.style(badStyle, "ERROR"), r.Skill.Name, r.Err)
			continue
		}
		p.scanReport(r.Report)
	}
	fmt.Fprintf(p.w, "\n%d scanned, %d failed. Agent state: %s\n", len(results)-failed, failed, p.state(a.machine.State()))
	return verdictExit(worst, failed)
}

// verdictExit maps the most restrictive action to the exit status.
func verdictExit(worst verdict.Action, failed int) error {
	switch worst {
	case verdict.ActionLockdown:
		return &ExitError{Code: 3}
	case verdict.ActionQuarantine:
		return &ExitError{Code: 2}
	}
	if failed > 0 {
		return &ExitError{Code: 1, Msg: fmt.Sprintf("%d skills could not be scanned", failed)}
	}
	return nil
}
