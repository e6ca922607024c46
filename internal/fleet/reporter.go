package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chitinwall/chitinwall/internal/agentstate"
	"github.com/chitinwall/chitinwall/internal/verdict"
)

const (
	DefaultQueue       = 256
	DefaultPostTimeout = 10 * time.Second
)

type ReporterOptions struct {
	ServerURL string
	AgentID   string
	Token     string
	Queue     int
	Client    *http.Client
	Logger    *slog.Logger
}

// Reporter pushes verdicts and transitions to the fleet server in the
// background. It is a scanner sink and a state machine hook. Reports
// are dropped, with a warning, when the queue is full; the agent never
// blocks on the server.
type Reporter struct {
	endpoint string
	token    string
	client   *http.Client
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Report
	done   chan struct{}
}

func NewReporter(opts ReporterOptions) (*Reporter, error) {
	if !ValidAgentID(opts.AgentID) {
		return nil, fmt.Errorf("fleet: invalid agent id %q", opts.AgentID)
	}
	base, err := url.Parse(opts.ServerURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("fleet: invalid server url %q", opts.ServerURL)
	}
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultPostTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	r := &Reporter{
		endpoint: base.JoinPath("v1", "agents", opts.AgentID, "reports").String(),
		token:    opts.Token,
		client:   opts.Client,
		log:      opts.Logger,
		queue:    make(chan Report, opts.Queue),
		done:     make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Publish queues a verdict report.
func (r *Reporter) Publish(v verdict.Verdict) {
	r.enqueue(Report{Kind: KindVerdict, Time: v.Time, Verdict: &v})
}

// OnTransition queues a transition report.
func (r *Reporter) OnTransition(t agentstate.Transition) {
	r.enqueue(Report{Kind: KindTransition, Time: t.Time, State: t.To, Transition: &t})
}

// Heartbeat queues a report carrying only the current state.
func (r *Reporter) Heartbeat(state agentstate.State) {
	r.enqueue(Report{Kind: KindHeartbeat, Time: time.Now().UTC(), State: state})
}

func (r *Reporter) enqueue(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rep:
	default:
		r.log.Warn("fleet queue full, dropping report", "kind", rep.Kind)
	}
}

// Close stops accepting reports and waits until the queued ones are
// sent or ctx is done.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	for rep := range r.queue {
		if err := r.post(rep); err != nil {
			r.log.Warn("fleet report failed", "kind", rep.Kind, "error", err)
		}
	}
}

func (r *Reporter) post(rep Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
