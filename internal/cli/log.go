package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/logger"
)

var (
	logFilterKind   string
	logFilterAction string
	logLast         int
	logSummary      bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the audit log",
	Long: `View the Chitinwall audit log with filtering and summary options.

Examples:
  chitinwall-agent log                        # Show all entries
  chitinwall-agent log --last 20              # Show last 20 entries
  chitinwall-agent log --kind transition      # Show only state transitions
  chitinwall-agent log --action quarantine    # Show only quarantined skills
  chitinwall-agent log --summary              # Show summary stats`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logFilterKind, "kind", "", "Filter by kind (scan, audit, integrity, baseline, transition, corpus)")
	logCmd.Flags().StringVar(&logFilterAction, "action", "", "Filter by action (allow, warn, quarantine, lockdown, drifted)")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N entries")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	events, err := logger.ReadEvents(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	p := newPrinter(cmd.OutOrStdout())
	if len(events) == 0 {
		fmt.Fprintln(p.w, "No audit log entries found.")
		return nil
	}

	filtered := filterEvents(events, logFilterKind, logFilterAction)
	if logLast > 0 && logLast < len(filtered) {
		filtered = filtered[len(filtered)-logLast:]
	}

	switch {
	case logSummary:
		printSummary(p, events)
	case jsonOutput:
		return p.json(filtered)
	default:
		printEvents(p, filtered)
	}
	return nil
}

func filterEvents(events []logger.AuditEvent, kind, action string) []logger.AuditEvent {
	if kind == "" && action == "" {
		return events
	}
	var filtered []logger.AuditEvent
	for _, e := range events {
		if kind != "" && !strings.EqualFold(e.Kind, kind) {
			continue
		}
		if action != "" && !strings.EqualFold(e.Action, action) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func printEvents(p *printer, events []logger.AuditEvent) {
	for _, e := range events {
		ts := formatTimestamp(e.Timestamp)
		subject := e.Skill
		if subject == "" {
			subject = e.Path
		}
		if e.Kind == logger.KindTransition {
			subject = e.StateFrom + " -> " + e.StateTo
		}
		label := fmt.Sprintf("%-10s", e.Kind)
		switch {
		case e.Error != "":
			label = p.style(badStyle, label)
		case e.Action == "lockdown" || e.StateTo == "lockdown" || e.Action == "drifted":
			label = p.style(badStyle, label)
		case e.Action == "quarantine" || e.Action == "warn" || e.StateTo == "alert":
			label = p.style(warnStyle, label)
		default:
			label = p.style(okStyle, label)
		}

		fmt.Fprintf(p.w, "%s %s %s", ts, label, subject)
		if e.Action != "" {
			fmt.Fprintf(p.w, " [%s]", e.Action)
		}
		fmt.Fprintln(p.w)

		if len(e.Rules) > 0 {
			fmt.Fprintf(p.w, "     Rules: %s\n", strings.Join(e.Rules, ", "))
		}
		if e.Detail != "" {
			fmt.Fprintf(p.w, "     Detail: %s\n", e.Detail)
		}
		if e.Error != "" {
			fmt.Fprintf(p.w, "     Error: %s\n", e.Error)
		}
	}
}

func printSummary(p *printer, all []logger.AuditEvent) {
	kinds := map[string]int{}
	actions := map[string]int{}
	errorCount := 0
	for _, e := range all {
		kinds[e.Kind]++
		if e.Kind == logger.KindScan && e.Action != "" {
			actions[e.Action]++
		}
		if e.Error != "" {
			errorCount++
		}
	}

	p.header("Chitinwall audit summary")
	fmt.Fprintf(p.w, "  Total events:    %d\n", len(all))
	fmt.Fprintf(p.w, "  Scans:           %d\n", kinds[logger.KindScan])
	for _, a := range []string{"allow", "warn", "quarantine", "lockdown"} {
		fmt.Fprintf(p.w, "    %-13s  %d\n", a+":", actions[a])
	}
	fmt.Fprintf(p.w, "  Integrity:       %d\n", kinds[logger.KindIntegrity])
	fmt.Fprintf(p.w, "  Baselines:       %d\n", kinds[logger.KindBaseline])
	fmt.Fprintf(p.w, "  Transitions:     %d\n", kinds[logger.KindTransition])
	fmt.Fprintf(p.w, "  Errors:          %d\n", errorCount)
	fmt.Fprintf(p.w, "  First event:     %s\n", formatTimestamp(all[0].Timestamp))
	fmt.Fprintf(p.w, "  Last event:      %s\n", formatTimestamp(all[len(all)-1].Timestamp))

	var lockdowns []logger.AuditEvent
	for _, e := range all {
		if e.Kind == logger.KindTransition && e.StateTo == "lockdown" {
			lockdowns = append(lockdowns, e)
		}
	}
	if len(lockdowns) > 0 {
		fmt.Fprintln(p.w)
		fmt.Fprintln(p.w, "  Lockdowns:")
		limit := min(len(lockdowns), 10)
		for _, e := range lockdowns[len(lockdowns)-limit:] {
			fmt.Fprintf(p.w, "    %s %s %s\n", formatTimestamp(e.Timestamp), e.Reference, e.Detail)
		}
	}
}

func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format(time.DateTime)
}
