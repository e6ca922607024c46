package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/rules"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Manage operator rule packs",
	Long: `Rule packs are extra YAML rule files stored in <config-dir>/rules.d/ and
merged over the active corpus. A pack whose file name starts with an
underscore is disabled.

Examples:
  chitinwall-agent pack list              # List installed packs
  chitinwall-agent pack enable crypto     # Enable a pack
  chitinwall-agent pack disable crypto    # Disable a pack
  chitinwall-agent pack show crypto       # Print a pack`,
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed rule packs",
	RunE:  packList,
}

var packEnableCmd = &cobra.Command{
	Use:   "enable <pack-name>",
	Short: "Enable a disabled rule pack",
	Args:  cobra.ExactArgs(1),
	RunE:  packEnable,
}

var packDisableCmd = &cobra.Command{
	Use:   "disable <pack-name>",
	Short: "Disable a rule pack (prefix with underscore)",
	Args:  cobra.ExactArgs(1),
	RunE:  packDisable,
}

var packShowCmd = &cobra.Command{
	Use:   "show <pack-name>",
	Short: "Show a rule pack",
	Args:  cobra.ExactArgs(1),
	RunE:  packShow,
}

func init() {
	packCmd.AddCommand(packListCmd, packEnableCmd, packDisableCmd, packShowCmd)
	rootCmd.AddCommand(packCmd)
}

// packStore opens the corpus store, creating the packs directory.
func packStore() (string, *rules.Store, error) {
	cfg, store, err := openCorpora()
	if err != nil {
		return "", nil, err
	}
	dir := cfg.PacksDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", nil, err
	}
	return dir, store, nil
}

func packList(cmd *cobra.Command, args []string) error {
	dir, store, err := packStore()
	if err != nil {
		return err
	}
	merged, infos, err := store.Packs()
	if err != nil {
		return fmt.Errorf("failed to load packs: %w", err)
	}

	p := newPrinter(cmd.OutOrStdout())
	if jsonOutput {
		return p.json(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(p.w, "No rule packs installed.")
		fmt.Fprintf(p.w, "\nTo install packs, copy YAML files to: %s\n", dir)
		return nil
	}

	p.header("Installed rule packs")
	for _, info := range infos {
		status := p.style(okStyle, "on ")
		if !info.Enabled {
			status = p.style(dimStyle, "off")
		}
		version := info.Version
		if version == "" {
			version = "invalid"
		}
		fmt.Fprintf(p.w, "  %s  %-25s %-12s (%d rules)\n", status, strings.TrimPrefix(info.Name, "_"), version, info.RuleCount)
	}
	fmt.Fprintf(p.w, "\nMerged with the active corpus: %s, %d rules\n", merged.Version, merged.Len())
	fmt.Fprintf(p.w, "Packs directory: %s\n", dir)
	return nil
}

func packEnable(cmd *cobra.Command, args []string) error {
	dir, store, err := packStore()
	if err != nil {
		return err
	}

	name := args[0]
	disabledPath := filepath.Join(dir, "_"+name+".yaml")
	enabledPath := filepath.Join(dir, name+".yaml")

	if _, err := os.Stat(disabledPath); err == nil {
		if err := os.Rename(disabledPath, enabledPath); err != nil {
			return fmt.Errorf("failed to enable pack: %w", err)
		}
		if _, _, err := store.Packs(); err != nil {
			_ = os.Rename(enabledPath, disabledPath)
			return fmt.Errorf("pack '%s' left disabled: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pack '%s' enabled.\n", name)
		return nil
	}

	if _, err := os.Stat(enabledPath); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Pack '%s' is already enabled.\n", name)
		return nil
	}

	return fmt.Errorf("pack '%s' not found in %s", name, dir)
}

func packDisable(cmd *cobra.Command, args []string) error {
	dir, _, err := packStore()
	if err != nil {
		return err
	}

	name := args[0]
	enabledPath := filepath.Join(dir, name+".yaml")
	disabledPath := filepath.Join(dir, "_"+name+".yaml")

	if _, err := os.Stat(enabledPath); err == nil {
		if err := os.Rename(enabledPath, disabledPath); err != nil {
			return fmt.Errorf("failed to disable pack: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pack '%s' disabled.\n", name)
		return nil
	}

	if _, err := os.Stat(disabledPath); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Pack '%s' is already disabled.\n", name)
		return nil
	}

	return fmt.Errorf("pack '%s' not found in %s", name, dir)
}

func packShow(cmd *cobra.Command, args []string) error {
	dir, _, err := packStore()
	if err != nil {
		return err
	}

	name := args[0]
	path := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, "_"+name+".yaml")
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("pack '%s' not found in %s", name, dir)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
