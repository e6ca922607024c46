package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configDir  string
	logPath    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "chitinwall-agent",
	Short: "Chitinwall - endpoint security agent for AI agent skills",
	Long: `Chitinwall statically inspects AI-agent skills before and after they are
installed, checks the integrity of agent memory files (SOUL.md, MEMORY.md)
against operator-signed baselines, and locks the agent down when it finds
a critical threat. Leaving lockdown requires an operator credential.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Configuration directory (default: ~/.chitinwall)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "Path to audit log file (default: <config-dir>/audit.jsonl)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// Execute runs the agent CLI and returns the process exit code.
func Execute() int {
	return run(rootCmd)
}

func run(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Msg != "" {
			fmt.Fprintln(os.Stderr, exit.Msg)
		}
		return exit.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
