package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/approval"
	"github.com/chitinwall/chitinwall/internal/integrity"
	"github.com/chitinwall/chitinwall/internal/scanner"
)

var (
	keyPath   string
	assumeYes bool
)

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Check protected memory files against their signed baselines",
	Long: `Recompute the digest of every protected path (config.yaml "protected")
and compare it with its operator-signed baseline. Drift moves the agent to
alert, or to lockdown when a critical file drifted.

Exit status is 2 when any file drifted and 1 on integrity errors.`,
	RunE: integrityCommand,
}

var acceptBaselineCmd = &cobra.Command{
	Use:   "accept-baseline <path>...",
	Short: "Sign the current content of protected files as their baseline",
	Long: `Record the current content of each path as its baseline, signed with an
operator credential listed in the trust anchor.

  chitinwall-agent accept-baseline --key ~/.chitinwall/operator.key ~/.openclaw/workspace/SOUL.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: acceptBaselineCommand,
}

func init() {
	acceptBaselineCmd.Flags().StringVar(&keyPath, "key", "", "Operator credential file")
	acceptBaselineCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(integrityCmd)
	rootCmd.AddCommand(acceptBaselineCmd)
}

func integrityCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	results := a.svc.Integrity(ctx)
	drifted, failed := 0, 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Result.Drifted():
			drifted++
		}
	}

	p := newPrinter(cmd.OutOrStdout())
	if jsonOutput {
		type row struct {
			scanner.IntegrityResult
			Error string `json:"error,omitempty"`
		}
		rows := make([]row, len(results))
		for i, r := range results {
			rows[i] = row{IntegrityResult: r}
			if r.Err != nil {
				rows[i].Error = r.Err.Error()
			}
		}
		if err := p.json(rows); err != nil {
			return err
		}
	} else {
		p.header(fmt.Sprintf("Integrity: %d protected files", len(results)))
		p.integrity(results)
		fmt.Fprintf(p.w, "\n%d drifted, %d errors. Agent state: %s\n", drifted, failed, p.state(a.machine.State()))
	}

	switch {
	case drifted > 0:
		return &ExitError{Code: 2}
	case failed > 0:
		return &ExitError{Code: 1}
	}
	return nil
}

func acceptBaselineCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cred, err := credential(keyPath)
	if err != nil {
		return err
	}
	if !assumeYes {
		res := approval.Ask(approval.Prompt{
			Action:  "Accept baseline",
			Subject: fmt.Sprintf("%d files", len(args)),
			Details: append([]string{"signing key " + cred.KeyID()}, args...),
		})
		if !res.Approved {
			return errors.New("baseline not accepted (" + res.UserAction + ")")
		}
	}

	p := newPrinter(cmd.OutOrStdout())
	var records []integrity.Record
	for _, path := range args {
		rec, err := a.svc.AcceptBaseline(path, cred)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, rec)
	}
	if jsonOutput {
		return p.json(records)
	}
	for _, rec := range records {
		fmt.Fprintf(p.w, "%s  %s  %s  %s\n", p.style(okStyle, "BASELINED"), rec.Path, short(rec.Digest), rec.Timestamp.Local().Format(time.DateTime))
	}
	return nil
}
