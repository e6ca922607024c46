package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chitinwall/chitinwall/internal/normalize"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

const (
	DefaultConfigDir   = ".chitinwall"
	DefaultConfigFile  = "config.yaml"
	DefaultLogFile     = "audit.jsonl"
	DefaultAnchorFile  = "trust_anchor"
	DefaultStateFile   = "state.json"
	DefaultCorpusDir   = "corpus"
	DefaultPacksDir    = "rules.d"
	DefaultBaselines   = "baselines.cbor"
	DefaultWitness     = "baselines.witness"
)

// Protected is one protected_paths entry. Path may be a doublestar glob
// and may start with ~/.
type Protected struct {
	Path     string `yaml:"path"`
	Critical bool   `yaml:"critical"`
}

type Config struct {
	ConfigDir string `yaml:"-"`
	LogPath   string `yaml:"-"`

	AgentID       string         `yaml:"agent_id"`
	SkillDirs     []string       `yaml:"skill_dirs"`
	Protected     []Protected    `yaml:"protected"`
	TrustAnchor   string         `yaml:"trust_anchor"`
	ScanTimeout   time.Duration  `yaml:"scan_timeout"`
	SweepInterval time.Duration  `yaml:"sweep_interval"`
	Workers       int            `yaml:"workers"`
	History       int            `yaml:"history"`
	CacheEntries  int            `yaml:"cache_entries"`
	ServerURL     string         `yaml:"server_url"`
	ServerToken   string         `yaml:"server_token"`
	Verdict       verdict.Policy `yaml:"verdict"`
	LogLevel      string         `yaml:"log_level"`
	LogFormat     string         `yaml:"log_format"`
}

// Default returns the configuration used when config.yaml is absent.
func Default(configDir string) *Config {
	host, _ := os.Hostname()
	return &Config{
		ConfigDir: configDir,
		LogPath:   filepath.Join(configDir, DefaultLogFile),
		AgentID:   host,
		SkillDirs: []string{"~/.claude/skills", "~/.openclaw/workspace/skills"},
		Protected: []Protected{
			{Path: "~/.openclaw/workspace/SOUL.md", Critical: true},
			{Path: "~/.openclaw/workspace/MEMORY.md"},
			{Path: "~/.openclaw/workspace/memory/**/*.md"},
			{Path: "~/.claude/CLAUDE.md"},
		},
		TrustAnchor:   filepath.Join(configDir, DefaultAnchorFile),
		ScanTimeout:   30 * time.Second,
		SweepInterval: 5 * time.Minute,
		Workers:       4,
		History:       50,
		CacheEntries:  128,
		Verdict:       verdict.DefaultPolicy(),
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads <configDir>/config.yaml over the defaults. An empty
// configDir means ~/.chitinwall; an empty logPath means the audit log in
// the config dir. A missing config file is not an error.
func Load(configDir, logPath string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	if configDir == "" {
		configDir = filepath.Join(homeDir, DefaultConfigDir)
	}
	if err := ensureDir(configDir); err != nil {
		return nil, err
	}

	cfg := Default(configDir)
	data, err := os.ReadFile(filepath.Join(configDir, DefaultConfigFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", DefaultConfigFile, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", DefaultConfigFile, err)
	}

	if logPath != "" {
		cfg.LogPath = logPath
	}
	cfg.expand(homeDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expand(home string) {
	for i, d := range c.SkillDirs {
		c.SkillDirs[i] = normalize.ExpandPath(d, home)
	}
	for i, p := range c.Protected {
		c.Protected[i].Path = normalize.ExpandPath(p.Path, home)
	}
	c.TrustAnchor = normalize.ExpandPath(c.TrustAnchor, home)
	c.LogPath = normalize.ExpandPath(c.LogPath, home)
}

func (c *Config) Validate() error {
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("config: scan_timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.History <= 0 || c.CacheEntries <= 0 {
		return fmt.Errorf("config: history and cache_entries must be positive")
	}
	for _, p := range c.Protected {
		if p.Path == "" {
			return fmt.Errorf("config: protected entry with empty path")
		}
	}
	return c.Verdict.Validate()
}

// CorpusDir holds installed rule corpora.
func (c *Config) CorpusDir() string { return filepath.Join(c.ConfigDir, DefaultCorpusDir) }

// PacksDir holds operator rule packs merged into the active corpus.
func (c *Config) PacksDir() string { return filepath.Join(c.ConfigDir, DefaultPacksDir) }

func (c *Config) StatePath() string { return filepath.Join(c.ConfigDir, DefaultStateFile) }

func (c *Config) BaselinePath() string { return filepath.Join(c.ConfigDir, DefaultBaselines) }

// WitnessPath holds the copy of the latest signed baseline manifest.
func (c *Config) WitnessPath() string { return filepath.Join(c.ConfigDir, DefaultWitness) }

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
