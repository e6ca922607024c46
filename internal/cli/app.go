package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chitinwall/chitinwall/internal/agentstate"
	"github.com/chitinwall/chitinwall/internal/approval"
	"github.com/chitinwall/chitinwall/internal/config"
	"github.com/chitinwall/chitinwall/internal/fleet"
	"github.com/chitinwall/chitinwall/internal/integrity"
	"github.com/chitinwall/chitinwall/internal/logger"
	"github.com/chitinwall/chitinwall/internal/metrics"
	"github.com/chitinwall/chitinwall/internal/rules"
	"github.com/chitinwall/chitinwall/internal/scanner"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

// app is the agent wired from configuration: one per command run.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	audit    *logger.AuditLogger
	metrics  *metrics.Metrics
	corpora  *rules.Store
	anchor   *integrity.TrustAnchor
	machine  *agentstate.Machine
	svc      *scanner.Service
	reporter *fleet.Reporter
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configDir, logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewSlog(os.Stderr, cfg.LogLevel, cfg.LogFormat == "json")
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openApp() (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	a.audit, err = logger.New(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a.corpora = rules.NewStore(cfg.CorpusDir(), cfg.PacksDir(), rules.NewHolder(nil), log)
	if _, err := a.corpora.Open(); err != nil {
		log.Error("rule corpus unusable, continuing with the fallback corpus", "error", err)
		a.corpora.Fallback()
	}

	// Without a trust anchor nothing can be baselined and lockdown cannot
	// be released; scanning still works.
	var authorizer agentstate.Authorizer
	a.anchor, err = integrity.LoadTrustAnchor(cfg.TrustAnchor)
	switch {
	case err == nil:
		authorizer = a.anchor
	case errors.Is(err, os.ErrNotExist):
		log.Warn("no trust anchor; baselines and release are unavailable", "path", cfg.TrustAnchor)
		a.anchor = integrity.NewTrustAnchor()
	default:
		a.Close()
		return nil, err
	}

	a.machine, err = agentstate.New(agentstate.Options{
		History:    cfg.History,
		Authorizer: authorizer,
		Store:      agentstate.FileStore{Path: cfg.StatePath()},
		Logger:     log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var sinks []scanner.Sink
	if cfg.ServerURL != "" {
		a.reporter, err = fleet.NewReporter(fleet.ReporterOptions{
			ServerURL: cfg.ServerURL,
			AgentID:   cfg.AgentID,
			Token:     cfg.ServerToken,
			Logger:    log,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, a.reporter)
		a.machine.AddHook(a.reporter)
	}

	protected := make([]scanner.ProtectedPath, 0, len(cfg.Protected))
	for _, p := range cfg.Protected {
		protected = append(protected, scanner.ProtectedPath{Pattern: p.Path, Critical: p.Critical})
	}
	verifier := integrity.NewVerifier(integrity.NewStore(cfg.BaselinePath()), a.anchor, integrity.Options{
		Logger:  log,
		Witness: integrity.NewWitness(cfg.WitnessPath()),
	})
	a.svc, err = scanner.New(scanner.Options{
		Holder:       a.corpora.Holder(),
		Verifier:     verifier,
		Machine:      a.machine,
		Aggregator:   verdict.New(cfg.Verdict),
		Protected:    protected,
		Timeout:      cfg.ScanTimeout,
		Workers:      cfg.Workers,
		CacheEntries: cfg.CacheEntries,
		Audit:        a.audit,
		Metrics:      a.metrics,
		Sinks:        sinks,
		Logger:       log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.metrics.SetState(cfg.AgentID, string(a.machine.State()), states)
	a.machine.AddHook(agentstate.HookFunc(func(t agentstate.Transition) {
		a.metrics.SetState(cfg.AgentID, string(t.To), states)
	}))
	return a, nil
}

var states = []string{
	string(agentstate.StateMonitoring),
	string(agentstate.StateAlert),
	string(agentstate.StateLockdown),
}

// Close flushes pending fleet reports and closes the audit log.
func (a *app) Close() {
	if a.reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.reporter.Close(ctx); err != nil {
			a.log.Warn("fleet reports not flushed", "error", err)
		}
		cancel()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
}

// credential loads the operator credential named by path, prompting for
// a passphrase when the file is encrypted.
func credential(path string) (*integrity.Credential, error) {
	if path == "" {
		return nil, errors.New("an operator credential is required (--key)")
	}
	return integrity.LoadCredential(path, approval.Passphrase("Passphrase for "+path+": "))
}
