package fleet

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chitinwall/chitinwall/internal/agentstate"
	"github.com/chitinwall/chitinwall/internal/metrics"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

const (
	DefaultHistory  = 100
	maxReportBytes  = 1 << 20
	listVerdictTail = 1
)

// Agent is the server's view of one agent.
type Agent struct {
	ID          string                  `json:"id"`
	State       agentstate.State        `json:"state"`
	FirstSeen   time.Time               `json:"first_seen"`
	LastSeen    time.Time               `json:"last_seen"`
	Actions     map[verdict.Action]int  `json:"actions"`
	Verdicts    []verdict.Verdict       `json:"verdicts"`
	Transitions []agentstate.Transition `json:"transitions"`
}

type ServerOptions struct {
	// Token, when set, is required as a bearer token on report uploads.
	Token   string
	History int
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type Server struct {
	token   string
	history int
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewServer(opts ServerOptions) *Server {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		token:   opts.Token,
		history: opts.History,
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
		agents:  make(map[string]*Agent),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "chitinwall-server"})
	})
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}
	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Get("/{agent}", s.getAgent)
		r.With(s.requireToken).Post("/{agent}/reports", s.postReport)
	})
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) postReport(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent")
	if !ValidAgentID(agentID) {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var report Report
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err := dec.Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report: "+err.Error())
		return
	}
	if err := report.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report.sanitize()
	state := s.Record(agentID, report)
	writeJSON(w, http.StatusAccepted, map[string]string{"agent": agentID, "state": string(state)})
}

// Record folds report into the agent's history and returns the agent's
// state afterwards.
func (s *Server) Record(agentID string, report Report) agentstate.State {
	now := s.now().UTC()
	if report.Time.IsZero() {
		report.Time = now
	}

	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		a = &Agent{
			ID:        agentID,
			State:     agentstate.StateMonitoring,
			FirstSeen: now,
			Actions:   make(map[verdict.Action]int),
		}
		s.agents[agentID] = a
	}
	a.LastSeen = now
	switch report.Kind {
	case KindVerdict:
		a.Actions[report.Verdict.Action]++
		a.Verdicts = trim(append(a.Verdicts, *report.Verdict), s.history)
	case KindTransition:
		a.Transitions = trim(append(a.Transitions, *report.Transition), s.history)
		a.State = report.Transition.To
	}
	if report.State != "" {
		a.State = report.State
	}
	state := a.State
	s.mu.Unlock()

	s.metrics.ObserveReport(string(report.Kind))
	s.metrics.SetState(agentID, string(state), allStates)
	s.log.Debug("report recorded", "agent", agentID, "kind", report.Kind, "state", state)
	if report.Kind == KindTransition && state == agentstate.StateLockdown {
		s.log.Warn("agent locked down", "agent", agentID, "reason", report.Transition.Trigger.Reason)
	}
	return state
}

// Agents returns a copy of every agent, sorted by id, keeping only the
// latest verdict and transition of each.
func (s *Server) Agents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		c := a.copy()
		c.Verdicts = last(c.Verdicts, listVerdictTail)
		c.Transitions = last(c.Transitions, listVerdictTail)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent returns a copy of one agent with its full retained history.
func (s *Server) Agent(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.copy(), true
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.Agents()})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.Agent(chi.URLParam(r, "agent"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (a *Agent) copy() Agent {
	c := *a
	c.Actions = make(map[verdict.Action]int, len(a.Actions))
	for k, v := range a.Actions {
		c.Actions[k] = v
	}
	c.Verdicts = append([]verdict.Verdict{}, a.Verdicts...)
	c.Transitions = append([]agentstate.Transition{}, a.Transitions...)
	return c
}

func trim[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append(s[:0:0], s[len(s)-n:]...)
}

func last[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
