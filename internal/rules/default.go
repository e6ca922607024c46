package rules

import (
	_ "embed"
	"sync"
)

//go:embed default.yaml
var defaultCorpus []byte

var (
	defaultOnce   sync.Once
	defaultParsed *Corpus
)

// Default returns the built-in corpus shipped with the binary. It is the
// active corpus until an operator installs and activates another.
func Default() *Corpus {
	defaultOnce.Do(func() {
		corpus, err := Load(defaultCorpus)
		if err != nil {
			panic("rules: built-in corpus is invalid: " + err.Error())
		}
		defaultParsed = corpus
	})
	return defaultParsed
}

// DefaultSource returns the YAML source of the built-in corpus, for
// operators who want to start a custom corpus from it.
func DefaultSource() []byte {
	return append([]byte(nil), defaultCorpus...)
}
