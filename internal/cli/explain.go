package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/ioc"
	"github.com/chitinwall/chitinwall/internal/taxonomy"
)

var explainCmd = &cobra.Command{
	Use:   "explain [rule-id|category]",
	Short: "Describe a rule or IOC category",
	Long: `Show what a rule of the active corpus detects, or what an IOC category
means, with remediation guidance and its OWASP LLM and MITRE ATT&CK
mappings. With no argument every described category is listed.

  chitinwall-agent explain CW-EXFIL-001
  chitinwall-agent explain memory-tampering`,
	Args: cobra.MaximumNArgs(1),
	RunE: explainCommand,
}

func init() {
	rootCmd.AddCommand(explainCmd)
}

type explanation struct {
	Rule     *ruleView          `json:"rule,omitempty"`
	Category *taxonomy.Entry    `json:"category"`
	Mappings []taxonomy.Mapping `json:"mappings,omitempty"`
}

type ruleView struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Category    ioc.Category `json:"category"`
	Severity    ioc.Severity `json:"severity"`
	References  []string     `json:"references,omitempty"`
}

func explainCommand(cmd *cobra.Command, args []string) error {
	catalog := taxonomy.Default()
	p := newPrinter(cmd.OutOrStdout())

	if len(args) == 0 {
		entries := catalog.Categories()
		if jsonOutput {
			return p.json(entries)
		}
		p.header("IOC categories")
		for _, e := range entries {
			fmt.Fprintf(p.w, "  %-22s %s\n", e.ID, e.Abstract)
		}
		return nil
	}

	var ex explanation
	if e, ok := catalog.Lookup(ioc.Category(args[0])); ok {
		ex.Category = e
	} else {
		_, store, err := openCorpora()
		if err != nil {
			return err
		}
		corpus, err := store.Open()
		if err != nil {
			corpus = store.Fallback()
		}
		r, ok := corpus.Rule(args[0])
		if !ok {
			return &ExitError{Code: 1, Msg: fmt.Sprintf("%q is neither a rule of corpus %s nor a known category", args[0], corpus.Version)}
		}
		ex.Rule = &ruleView{
			ID:          r.ID,
			Description: r.Description,
			Category:    r.Category,
			Severity:    r.Severity,
			References:  r.References,
		}
		ex.Category, _ = catalog.Lookup(r.Category)
	}
	if ex.Category != nil {
		ex.Mappings = catalog.Mappings(ex.Category)
	}

	if jsonOutput {
		return p.json(ex)
	}
	if r := ex.Rule; r != nil {
		p.header(r.ID)
		fmt.Fprintf(p.w, "%s\n", r.Description)
		fmt.Fprintf(p.w, "Severity:  %s\n", p.severity(r.Severity))
		fmt.Fprintf(p.w, "Category:  %s\n", r.Category)
		for _, ref := range r.References {
			fmt.Fprintf(p.w, "Reference: %s\n", ref)
		}
		fmt.Fprintln(p.w)
	}
	e := ex.Category
	if e == nil {
		fmt.Fprintln(p.w, p.style(dimStyle, "No guidance is recorded for this category."))
		return nil
	}
	p.header(e.Name)
	fmt.Fprintf(p.w, "%s\n\n%s\n", e.Abstract, e.Recommendation)
	if len(ex.Mappings) > 0 {
		fmt.Fprintln(p.w)
		for _, m := range ex.Mappings {
			fmt.Fprintf(p.w, "  %-8s %s %s\n", m.ItemID, m.ItemName, p.style(dimStyle, "("+m.Standard+")"))
		}
	}
	return nil
}
