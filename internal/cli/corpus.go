package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/config"
	"github.com/chitinwall/chitinwall/internal/logger"
	"github.com/chitinwall/chitinwall/internal/rules"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Manage rule corpus versions",
	Long: `Rule corpora are versioned YAML files stored in <config-dir>/corpus/.
Installing a corpus validates it; activating it makes it the corpus every
later scan uses. With no corpus installed the built-in one is active.

  chitinwall-agent corpus list
  chitinwall-agent corpus install ./chitinwall-rules-2026.11.0.yaml
  chitinwall-agent corpus activate 2026.11.0`,
}

var corpusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed corpus versions",
	RunE:  corpusList,
}

var corpusInstallCmd = &cobra.Command{
	Use:   "install <file>",
	Short: "Validate and install a corpus file",
	Args:  cobra.ExactArgs(1),
	RunE:  corpusInstall,
}

var corpusActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Make an installed corpus version active",
	Args:  cobra.ExactArgs(1),
	RunE:  corpusActivate,
}

var corpusActivateNow bool

func init() {
	corpusInstallCmd.Flags().BoolVar(&corpusActivateNow, "activate", false, "Activate the corpus after installing it")
	corpusCmd.AddCommand(corpusListCmd, corpusInstallCmd, corpusActivateCmd)
	rootCmd.AddCommand(corpusCmd)
}

// openCorpora opens the corpus store without the rest of the agent.
func openCorpora() (*config.Config, *rules.Store, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, rules.NewStore(cfg.CorpusDir(), cfg.PacksDir(), rules.NewHolder(nil), log), nil
}

func logCorpusEvent(cfg *config.Config, event logger.AuditEvent) {
	l, err := logger.New(cfg.LogPath)
	if err != nil {
		return
	}
	defer l.Close()
	event.Kind = logger.KindCorpus
	_ = l.Log(event)
}

func corpusList(cmd *cobra.Command, args []string) error {
	cfg, store, err := openCorpora()
	if err != nil {
		return err
	}
	infos, err := store.List()
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if jsonOutput {
		return p.json(infos)
	}

	p.header("Rule corpora")
	builtin := rules.Default()
	active := false
	for _, info := range infos {
		mark := "  "
		if info.Active {
			mark = p.style(okStyle, "* ")
			active = true
		}
		fmt.Fprintf(p.w, "%s%-20s %s\n", mark, info.Version, p.style(dimStyle, info.Path))
	}
	mark := "  "
	if !active {
		mark = p.style(okStyle, "* ")
	}
	fmt.Fprintf(p.w, "%s%-20s %s\n", mark, builtin.Version, p.style(dimStyle, fmt.Sprintf("built-in, %d rules", builtin.Len())))
	fmt.Fprintf(p.w, "\nCorpus directory: %s\n", cfg.CorpusDir())
	return nil
}

func corpusInstall(cmd *cobra.Command, args []string) error {
	cfg, store, err := openCorpora()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	version, err := store.Install(data)
	if err != nil {
		logCorpusEvent(cfg, logger.AuditEvent{Action: "install", Path: args[0], Error: err.Error()})
		return fmt.Errorf("corpus rejected: %w", err)
	}
	logCorpusEvent(cfg, logger.AuditEvent{Action: "install", Path: args[0], Corpus: version})
	fmt.Fprintf(cmd.OutOrStdout(), "Installed corpus %s\n", version)
	if !corpusActivateNow {
		return nil
	}
	return activate(cmd, cfg, store, version)
}

func corpusActivate(cmd *cobra.Command, args []string) error {
	cfg, store, err := openCorpora()
	if err != nil {
		return err
	}
	return activate(cmd, cfg, store, args[0])
}

func activate(cmd *cobra.Command, cfg *config.Config, store *rules.Store, version string) error {
	corpus, err := store.Activate(version)
	if err != nil {
		logCorpusEvent(cfg, logger.AuditEvent{Action: "activate", Corpus: version, Error: err.Error()})
		return err
	}
	logCorpusEvent(cfg, logger.AuditEvent{Action: "activate", Corpus: corpus.Version})
	fmt.Fprintf(cmd.OutOrStdout(), "Active corpus: %s (%d rules)\n", corpus.Version, corpus.Len())
	return nil
}
