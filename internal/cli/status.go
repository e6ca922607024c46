package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/agentstate"
	"github.com/chitinwall/chitinwall/internal/approval"
)

var (
	statusLast     int
	lockdownReason string
	ackReason      string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent state, recent verdicts and transitions",
	RunE:  statusCommand,
}

var lockdownCmd = &cobra.Command{
	Use:   "lockdown",
	Short: "Put the agent into lockdown",
	Long: `Force the agent into lockdown. Only an operator credential listed in the
trust anchor can release it again.`,
	RunE: lockdownCommand,
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release the agent from lockdown with an operator credential",
	Long: `Leave lockdown and return to monitoring. The credential must belong to a
key in the trust anchor; any other credential leaves the agent locked down.

  chitinwall-agent release --key ~/.chitinwall/operator.key`,
	RunE: releaseCommand,
}

var ackCmd = &cobra.Command{
	Use:   "ack",
	Short: "Acknowledge an alert and return to monitoring",
	RunE:  ackCommand,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLast, "last", "n", 10, "Number of recent verdicts and transitions to show")
	lockdownCmd.Flags().StringVar(&lockdownReason, "reason", "operator request", "Reason recorded with the transition")
	ackCmd.Flags().StringVar(&ackReason, "reason", "acknowledged by operator", "Reason recorded with the transition")
	releaseCmd.Flags().StringVar(&keyPath, "key", "", "Operator credential file")
	releaseCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(statusCmd, lockdownCmd, releaseCmd, ackCmd)
}

func statusCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.svc.Status(statusLast)
	p := newPrinter(cmd.OutOrStdout())
	if jsonOutput {
		return p.json(st)
	}

	p.header("Chitinwall agent " + a.cfg.AgentID)
	fmt.Fprintf(p.w, "  State:    %s since %s\n", p.state(st.State), st.Since.Local().Format(time.DateTime))
	if c := a.corpora.Holder().Load(); c != nil {
		fmt.Fprintf(p.w, "  Corpus:   %s (%d rules)\n", c.Version, c.Len())
	}
	fmt.Fprintf(p.w, "  Anchor:   %d keys (%s)\n", len(a.anchor.KeyIDs()), a.cfg.TrustAnchor)
	fmt.Fprintf(p.w, "  Config:   %s\n", a.cfg.ConfigDir)
	if a.cfg.ServerURL != "" {
		fmt.Fprintf(p.w, "  Fleet:    %s\n", a.cfg.ServerURL)
	}

	fmt.Fprintln(p.w)
	p.header("Recent verdicts")
	if len(st.Verdicts) == 0 {
		fmt.Fprintln(p.w, "  none")
	}
	for _, r := range st.Verdicts {
		subject := r.SkillID
		if subject == "" {
			subject = fmt.Sprintf("integrity (%d drifted)", r.Drift)
		}
		fmt.Fprintf(p.w, "  %s  %-10s  %-8s  %s  (%d findings)\n",
			r.Time.Local().Format(time.DateTime), p.action(r.Action), p.severity(r.Risk), subject, r.Findings)
	}

	fmt.Fprintln(p.w)
	p.header("Recent transitions")
	if len(st.Transitions) == 0 {
		fmt.Fprintln(p.w, "  none")
	}
	for _, t := range st.Transitions {
		fmt.Fprintf(p.w, "  %s  %s -> %s  %s:%s  %s\n",
			t.Time.Local().Format(time.DateTime), p.state(t.From), p.state(t.To), t.Trigger.Kind, t.Trigger.Reference, t.Trigger.Reason)
	}
	return nil
}

func lockdownCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	state := a.svc.Lockdown(lockdownReason)
	fmt.Fprintf(cmd.OutOrStdout(), "Agent state: %s\n", newPrinter(cmd.OutOrStdout()).state(state))
	return nil
}

func releaseCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.machine.State() != agentstate.StateLockdown {
		return agentstate.ErrNotLockedDown
	}
	cred, err := credential(keyPath)
	if err != nil {
		return err
	}
	if !assumeYes {
		res := approval.Ask(approval.Prompt{
			Action:  "Release lockdown",
			Subject: a.cfg.AgentID,
			Details: []string{"signing key " + cred.KeyID()},
		})
		if !res.Approved {
			return errors.New("lockdown not released (" + res.UserAction + ")")
		}
	}
	state, err := a.svc.Release(cred)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent state: %s\n", newPrinter(cmd.OutOrStdout()).state(state))
	return nil
}

func ackCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	state, err := a.svc.Acknowledge(ackReason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent state: %s\n", newPrinter(cmd.OutOrStdout()).state(state))
	return nil
}
