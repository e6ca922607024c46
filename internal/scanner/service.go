// Package scanner is the agent-facing operation set: scanning skills,
// auditing installed skills, sweeping protected files and driving the
// agent state machine with the resulting verdicts.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chitinwall/chitinwall/internal/agentstate"
	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/engine"
	"github.com/chitinwall/chitinwall/internal/integrity"
	"github.com/chitinwall/chitinwall/internal/logger"
	"github.com/chitinwall/chitinwall/internal/metrics"
	"github.com/chitinwall/chitinwall/internal/parser"
	"github.com/chitinwall/chitinwall/internal/rules"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultWorkers      = 4
	DefaultCacheEntries = 128
)

// Sink receives every verdict the service submits, for example the
// fleet reporter.
type Sink interface {
	Publish(v verdict.Verdict)
}

// Options wires a Service. Holder, Verifier, Machine and Aggregator are
// required.
type Options struct {
	Holder     *rules.Holder
	Verifier   *integrity.Verifier
	Machine    *agentstate.Machine
	Aggregator *verdict.Aggregator
	Protected  []ProtectedPath

	Timeout      time.Duration
	Workers      int
	CacheEntries int

	Audit   *logger.AuditLogger
	Metrics *metrics.Metrics
	Sinks   []Sink
	Logger  *slog.Logger
}

type Service struct {
	holder     *rules.Holder
	verifier   *integrity.Verifier
	machine    *agentstate.Machine
	aggregator *verdict.Aggregator
	protected  []ProtectedPath

	timeout time.Duration
	workers int

	audit   *logger.AuditLogger
	metrics *metrics.Metrics
	sinks   []Sink
	log     *slog.Logger

	cache *docCache
}

func New(opts Options) (*Service, error) {
	if opts.Holder == nil || opts.Verifier == nil || opts.Machine == nil || opts.Aggregator == nil {
		return nil, errors.New("scanner: holder, verifier, machine and aggregator are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = DefaultCacheEntries
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		holder:     opts.Holder,
		verifier:   opts.Verifier,
		machine:    opts.Machine,
		aggregator: opts.Aggregator,
		protected:  opts.Protected,
		timeout:    opts.Timeout,
		workers:    opts.Workers,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		sinks:      opts.Sinks,
		log:        opts.Logger,
		cache:      newDocCache(opts.CacheEntries),
	}
	s.machine.AddHook(agentstate.HookFunc(s.onTransition))
	return s, nil
}

// ScanReport is the outcome of scanning one skill.
type ScanReport struct {
	Skill    string           `json:"skill"`
	Path     string           `json:"path"`
	Digest   string           `json:"digest"`
	Sections int              `json:"sections"`
	Verdict  verdict.Verdict  `json:"verdict"`
	// State is the agent state when Submit returned. While another scan
	// is applying its verdict it may predate this one; Status reports the
	// settled state.
	State    agentstate.State `json:"state"`
	Duration time.Duration    `json:"duration_ns"`
}

// Scan parses the skill at path, evaluates the active corpus against it
// and submits the verdict. A timeout yields engine.ErrTimeout and no
// verdict.
func (s *Service) Scan(ctx context.Context, path string) (*ScanReport, error) {
	start := time.Now()
	report, err := s.scan(ctx, path)
	if err != nil {
		s.metrics.ObserveScan("error", time.Since(start))
		s.auditLog(logger.AuditEvent{Kind: logger.KindScan, Path: path, Error: err.Error()})
		return nil, err
	}
	report.Duration = time.Since(start)
	v := report.Verdict
	s.metrics.ObserveScan(string(v.Action), report.Duration)
	for _, f := range v.Findings {
		s.metrics.ObserveFinding(string(f.Category), f.Severity.String())
	}

	report.State = s.submit(v)
	s.auditLog(logger.AuditEvent{
		Kind:      logger.KindScan,
		Skill:     report.Skill,
		Path:      path,
		Action:    string(v.Action),
		Risk:      v.Risk.String(),
		Rules:     ruleIDs(v.Findings),
		Corpus:    v.CorpusVersion,
		Reference: v.ID,
	})
	s.log.Info("skill scanned", "skill", report.Skill, "action", v.Action, "risk", v.Risk, "findings", len(v.Findings), "duration", report.Duration)
	return report, nil
}

func (s *Service) scan(ctx context.Context, path string) (*ScanReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bundle, err := parser.Load(path)
	if err != nil {
		return nil, err
	}
	doc, err := s.document(bundle)
	if err != nil {
		return nil, err
	}
	corpus := s.holder.Load()
	if corpus == nil {
		return nil, errors.New("no rule corpus loaded")
	}
	findings, err := engine.Evaluate(ctx, doc, corpus)
	if err != nil {
		return nil, err
	}
	return &ScanReport{
		Skill:    doc.SkillID,
		Path:     path,
		Digest:   doc.Digest,
		Sections: len(doc.Sections),
		Verdict:  s.aggregator.Aggregate(doc.SkillID, corpus.Version, findings, nil),
	}, nil
}

func (s *Service) document(b *parser.Bundle) (*document.Document, error) {
	key := b.Name + "\x00" + b.Digest()
	if doc, ok := s.cache.get(key); ok {
		return doc, nil
	}
	doc, err := parser.Parse(b, parser.Metadata{})
	if err != nil {
		return nil, err
	}
	s.cache.put(key, doc)
	return doc, nil
}

func (s *Service) submit(v verdict.Verdict) agentstate.State {
	state := s.machine.Submit(v)
	for _, sink := range s.sinks {
		sink.Publish(v)
	}
	return state
}

// AuditResult is one skill's outcome within an audit. Exactly one of
// Report and Err is set.
type AuditResult struct {
	Skill  Skill       `json:"skill"`
	Report *ScanReport `json:"report,omitempty"`
	Err    error       `json:"-"`
}

// Audit scans skills concurrently. Per-skill failures are collected in
// the results and never abort the audit. Results keep input order.
func (s *Service) Audit(ctx context.Context, skills []Skill) []AuditResult {
	results := make([]AuditResult, len(skills))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, skill := range skills {
		g.Go(func() error {
			results[i].Skill = skill
			report, err := s.Scan(gctx, skill.Path)
			results[i].Report = report
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.auditLog(logger.AuditEvent{Kind: logger.KindAudit, Detail: fmt.Sprintf("%d skills, %d failed", len(skills), failed)})
	return results
}

// IntegrityResult is one protected path's outcome within a sweep.
type IntegrityResult struct {
	Path     string                `json:"path"`
	Critical bool                  `json:"critical"`
	Result   integrity.CheckResult `json:"result"`
	Err      error                 `json:"-"`
}

// Integrity checks every protected path. When any drifted, a drift
// verdict goes to the state machine. Integrity errors are reported per
// path and do not change agent state.
func (s *Service) Integrity(ctx context.Context) []IntegrityResult {
	targets, err := s.Targets()
	if err != nil {
		s.log.Error("expanding protected paths failed", "error", err)
		return []IntegrityResult{{Err: err}}
	}

	results := make([]IntegrityResult, 0, len(targets))
	var drift []verdict.Drift
	for _, target := range targets {
		if ctx.Err() != nil {
			results = append(results, IntegrityResult{Path: target.Path, Critical: target.Critical, Err: ctx.Err()})
			continue
		}
		res, err := s.verifier.Check(target.Path)
		results = append(results, IntegrityResult{Path: target.Path, Critical: target.Critical, Result: res, Err: err})
		if err != nil {
			s.metrics.ObserveCheck("error")
			s.auditLog(logger.AuditEvent{Kind: logger.KindIntegrity, Path: target.Path, Error: err.Error()})
			continue
		}
		s.metrics.ObserveCheck(string(res.Status))
		if res.Drifted() {
			drift = append(drift, verdict.Drift{
				Path:      res.Path,
				OldDigest: res.OldDigest,
				NewDigest: res.NewDigest,
				Critical:  target.Critical,
				Reason:    res.Reason,
			})
			s.auditLog(logger.AuditEvent{Kind: logger.KindIntegrity, Path: res.Path, Action: string(res.Status), Detail: res.Reason + ": " + res.OldDigest + " -> " + res.NewDigest})
		}
	}

	if len(drift) > 0 {
		corpus := ""
		if c := s.holder.Load(); c != nil {
			corpus = c.Version
		}
		v := s.aggregator.Aggregate("", corpus, nil, drift)
		s.submit(v)
		s.auditLog(logger.AuditEvent{Kind: logger.KindIntegrity, Action: string(v.Action), Risk: v.Risk.String(), Reference: v.ID})
	}
	return results
}

// AcceptBaseline signs the current content of path as its baseline.
func (s *Service) AcceptBaseline(path string, cred *integrity.Credential) (integrity.Record, error) {
	rec, err := s.verifier.AcceptBaseline(path, cred)
	event := logger.AuditEvent{Kind: logger.KindBaseline, Path: path}
	if err != nil {
		event.Error = err.Error()
	} else {
		event.Path = rec.Path
		event.Reference = rec.KeyID
		event.Detail = rec.Digest
	}
	s.auditLog(event)
	return rec, err
}

func (s *Service) Status(n int) agentstate.Status {
	return s.machine.Status(n)
}

func (s *Service) Lockdown(reason string) agentstate.State {
	return s.machine.Lockdown(reason)
}

func (s *Service) Release(cred *integrity.Credential) (agentstate.State, error) {
	state, err := s.machine.Release(cred)
	if err != nil {
		s.auditLog(logger.AuditEvent{Kind: logger.KindTransition, StateFrom: string(state), Reference: "release", Error: err.Error()})
	}
	return state, err
}

// Acknowledge clears an alert.
func (s *Service) Acknowledge(reason string) (agentstate.State, error) {
	return s.machine.Acknowledge(reason)
}

func (s *Service) onTransition(t agentstate.Transition) {
	s.metrics.ObserveTransition(string(t.From), string(t.To))
	s.auditLog(logger.AuditEvent{
		Timestamp: t.Time.Format(time.RFC3339),
		Kind:      logger.KindTransition,
		StateFrom: string(t.From),
		StateTo:   string(t.To),
		Reference: t.Trigger.Kind + ":" + t.Trigger.Reference,
		Detail:    t.Trigger.Reason,
	})
}

func (s *Service) auditLog(event logger.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(event); err != nil {
		s.log.Warn("writing audit event failed", "kind", event.Kind, "error", err)
	}
}

func ruleIDs(findings []engine.Finding) []string {
	ids := make([]string, 0, len(findings))
	seen := make(map[string]bool)
	for _, f := range findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	return ids
}

// docCache holds parsed documents keyed by bundle name and digest.
// Parsing is pure, so a hit is always valid. Oldest entries go first.
type docCache struct {
	mu    sync.Mutex
	limit int
	docs  map[string]*document.Document
	order []string
}

func newDocCache(limit int) *docCache {
	return &docCache{limit: limit, docs: make(map[string]*document.Document)}
}

func (c *docCache) get(key string) (*document.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[key]
	return doc, ok
}

func (c *docCache) put(key string, doc *document.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[key]; ok {
		return
	}
	for len(c.order) >= c.limit {
		delete(c.docs, c.order[0])
		c.order = c.order[1:]
	}
	c.docs[key] = doc
	c.order = append(c.order, key)
}

func (c *docCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}
