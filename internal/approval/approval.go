// Package approval asks the operator to confirm privileged commands
// (accepting a baseline, releasing a lockdown) and reads credential
// passphrases from the terminal.
package approval

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PassphraseEnv overrides the terminal prompt for unattended use.
const PassphraseEnv = "CHITINWALL_PASSPHRASE"

var ErrNotInteractive = errors.New("no terminal to prompt on; set " + PassphraseEnv)

type Result struct {
	Approved   bool
	UserAction string
}

type Prompt struct {
	Action  string
	Subject string
	Details []string
}

func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Ask prompts on stderr and reads the answer from stdin. Without a
// terminal the answer is no.
func Ask(p Prompt) Result {
	if !IsInteractive() {
		return Result{Approved: false, UserAction: "auto_deny_non_interactive"}
	}
	return Confirm(os.Stdin, os.Stderr, p)
}

// Confirm runs the prompt over in and out until the answer is yes or no.
func Confirm(in io.Reader, out io.Writer, p Prompt) Result {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s: %s\n", p.Action, p.Subject)
	for _, d := range p.Details {
		fmt.Fprintf(out, "  • %s\n", d)
	}
	fmt.Fprintln(out)

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "Proceed? [y/N]: ")
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		switch input {
		case "y", "yes":
			return Result{Approved: true, UserAction: "approve"}
		case "", "n", "no":
			if err != nil && err != io.EOF {
				return Result{Approved: false, UserAction: "error_reading_input"}
			}
			return Result{Approved: false, UserAction: "deny"}
		}
		if err != nil {
			return Result{Approved: false, UserAction: "error_reading_input"}
		}
		fmt.Fprintln(out, "Please answer 'y' or 'n'.")
	}
}

// Passphrase returns a function that reads a passphrase from
// CHITINWALL_PASSPHRASE or, failing that, from the terminal without echo.
func Passphrase(prompt string) func() ([]byte, error) {
	return func() ([]byte, error) {
		if v, ok := os.LookupEnv(PassphraseEnv); ok {
			return []byte(v), nil
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, ErrNotInteractive
		}
		fmt.Fprint(os.Stderr, prompt)
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		return pass, nil
	}
}

// NewPassphrase asks twice and requires both entries to match. An empty
// passphrase is allowed and means the key is stored unencrypted.
func NewPassphrase() ([]byte, error) {
	read := Passphrase("New passphrase (empty for none): ")
	first, err := read()
	if err != nil {
		return nil, err
	}
	if _, ok := os.LookupEnv(PassphraseEnv); ok || len(first) == 0 {
		return first, nil
	}
	second, err := Passphrase("Repeat passphrase: ")()
	if err != nil {
		return nil, err
	}
	if string(first) != string(second) {
		return nil, errors.New("passphrases do not match")
	}
	return first, nil
}
