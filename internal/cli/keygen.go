package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/approval"
	"github.com/chitinwall/chitinwall/internal/integrity"
)

var (
	keygenOut          string
	keygenComment      string
	keygenNoPassphrase bool
	keygenTrust        bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an operator credential and its trust anchor entry",
	Long: `Generate an ed25519 operator key. The secret half is written to --out
(mode 0600, encrypted with a passphrase unless --no-passphrase) and the
public half to --out.pub in authorized_keys form. With --trust the public
key is also appended to the agent's trust anchor.

  chitinwall-agent keygen --out ~/.chitinwall/operator.key --trust`,
	RunE: keygenCommand,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "Credential file to write (default: <config-dir>/operator.key)")
	keygenCmd.Flags().StringVar(&keygenComment, "comment", "", "Comment appended to the public key")
	keygenCmd.Flags().BoolVar(&keygenNoPassphrase, "no-passphrase", false, "Store the credential unencrypted")
	keygenCmd.Flags().BoolVar(&keygenTrust, "trust", false, "Append the public key to the trust anchor")
	rootCmd.AddCommand(keygenCmd)
}

func keygenCommand(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := keygenOut
	if out == "" {
		out = filepath.Join(cfg.ConfigDir, "operator.key")
	}
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("%s already exists", out)
	}

	var passphrase []byte
	if !keygenNoPassphrase {
		passphrase, err = approval.NewPassphrase()
		if err != nil {
			return err
		}
	}
	pair, err := integrity.GenerateKey(passphrase, keygenComment)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(out, pair.Secret, 0600); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}
	if err := os.WriteFile(out+".pub", pair.Public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Credential:  %s\n", out)
	fmt.Fprintf(w, "Public key:  %s.pub\n", out)
	fmt.Fprintf(w, "Key id:      %s\n", pair.KeyID)
	if len(passphrase) == 0 {
		fmt.Fprintln(w, "Warning: the credential is not passphrase protected.")
	}

	if keygenTrust {
		if err := appendTrust(cfg.TrustAnchor, pair.Public); err != nil {
			return err
		}
		fmt.Fprintf(w, "Trusted in:  %s\n", cfg.TrustAnchor)
	}
	return nil
}

// appendTrust adds pub to the anchor file and checks the result still
// parses, restoring the previous content otherwise.
func appendTrust(path string, pub []byte) error {
	previous, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	next := append([]byte{}, previous...)
	if len(next) > 0 && next[len(next)-1] != '\n' {
		next = append(next, '\n')
	}
	next = append(next, pub...)
	if _, err := integrity.ParseTrustAnchor(next); err != nil {
		return fmt.Errorf("trust anchor would not parse: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, next, 0644)
}
