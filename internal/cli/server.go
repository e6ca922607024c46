package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chitinwall/chitinwall/internal/fleet"
	"github.com/chitinwall/chitinwall/internal/logger"
	"github.com/chitinwall/chitinwall/internal/metrics"
)

// TokenEnv supplies the fleet server's bearer token.
const TokenEnv = "CHITINWALL_SERVER_TOKEN"

var (
	serveAddr      string
	serveHistory   int
	serveLogLevel  string
	serveLogFormat string
)

var serverRootCmd = &cobra.Command{
	Use:   "chitinwall-server",
	Short: "Chitinwall fleet server",
	Long: `chitinwall-server collects verdicts and state transitions reported by
chitinwall agents and exposes per-agent state and Prometheus metrics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet server",
	Long: `Serve the fleet API:

  POST /v1/agents/{agent}/reports   agent uploads (bearer token from ` + TokenEnv + `)
  GET  /v1/agents                   all agents with their latest verdict
  GET  /v1/agents/{agent}           one agent with its retained history
  GET  /metrics                     Prometheus metrics
  GET  /healthz                     liveness`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8443", "Listen address")
	serveCmd.Flags().IntVar(&serveHistory, "history", fleet.DefaultHistory, "Verdicts and transitions kept per agent")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "text", "Log format (text, json)")
	serverRootCmd.AddCommand(serveCmd)
	serverRootCmd.AddCommand(newVersionCmd("chitinwall-server"))
}

// ExecuteServer runs the server CLI and returns the process exit code.
func ExecuteServer() int {
	return run(serverRootCmd)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	log, err := logger.NewSlog(os.Stderr, serveLogLevel, serveLogFormat == "json")
	if err != nil {
		return err
	}
	token := os.Getenv(TokenEnv)
	if token == "" {
		log.Warn("no " + TokenEnv + " set; report uploads are unauthenticated")
	}

	srv := fleet.NewServer(fleet.ServerOptions{
		Token:   token,
		History: serveHistory,
		Metrics: metrics.New(),
		Logger:  log,
	})
	httpSrv := &http.Server{
		Addr:              serveAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		log.Info("fleet server listening", "addr", serveAddr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("fleet server: %w", err)
	case <-ctx.Done():
	}
	shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	log.Info("fleet server shutting down")
	return httpSrv.Shutdown(shutdown)
}
