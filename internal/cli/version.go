package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/rules"
)

var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func newVersionCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print " + name + " version",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout(), name)
		},
	}
}

func printVersion(w io.Writer, name string) {
	fmt.Fprintf(w, "%s %s\n", name, Version)
	fmt.Fprintf(w, "  Commit:  %s\n", GitCommit)
	fmt.Fprintf(w, "  Built:   %s\n", BuildDate)
	fmt.Fprintf(w, "  Corpus:  %s (built-in)\n", rules.Default().Version)
}

func init() {
	rootCmd.AddCommand(newVersionCmd("chitinwall-agent"))
}
