package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/scanner"
	"github.com/chitinwall/chitinwall/internal/watch"
)

var (
	startMetricsAddr string
	startHeartbeat   time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent daemon",
	Long: `Run in the foreground: audit installed skills once, then watch skill
directories and protected memory files. Changed skills are rescanned;
changes to protected files trigger an integrity sweep, and a full sweep
runs every sweep_interval. SIGHUP reloads the rule corpus and packs.`,
	RunE: startCommand,
}

func init() {
	startCmd.Flags().StringVar(&startMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	startCmd.Flags().DurationVar(&startHeartbeat, "heartbeat", time.Minute, "Interval of fleet heartbeats")
	rootCmd.AddCommand(startCmd)
}

func startCommand(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if startMetricsAddr != "" {
		r := chi.NewRouter()
		r.Get("/metrics", a.metrics.Handler().ServeHTTP)
		srv := &http.Server{Addr: startMetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	skills, err := scanner.DiscoverSkills(a.cfg.SkillDirs)
	if err != nil {
		return err
	}
	for _, r := range a.svc.Audit(ctx, skills) {
		if r.Err != nil {
			a.log.Warn("initial scan failed", "skill", r.Skill.Path, "error", r.Err)
		}
	}

	w, err := watch.New(a.svc, watch.Config{
		SkillDirs: a.cfg.SkillDirs,
		Interval:  a.cfg.SweepInterval,
		Logger:    a.log,
	})
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		heartbeat := time.NewTicker(startHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if c, err := a.corpora.Reload(); err != nil {
					a.log.Error("corpus reload failed, keeping the active corpus", "error", err)
				} else {
					a.log.Info("corpus reloaded", "version", c.Version)
				}
			case <-heartbeat.C:
				if a.reporter != nil {
					a.reporter.Heartbeat(a.machine.State())
				}
			}
		}
	}()

	a.log.Info("chitinwall agent started", "agent", a.cfg.AgentID, "state", a.machine.State())
	return w.Run(ctx)
}
