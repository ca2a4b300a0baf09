package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/naddame/promagent"
	"github.com/naddame/promagent/domain"
	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/hooks/httphook"
	"github.com/naddame/promagent/hooks/sqlhook"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent and serve the metrics endpoint",
	Long: `Starts the agent, loads the configured hook modules into one
deployment unit, and serves /metrics and /healthz until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := parseConfig(path)
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		agent, err := promagent.New(
			promagent.WithLogger(logger),
			promagent.WithSelfMetrics(cfg.SelfMetrics),
		)
		if err != nil {
			return err
		}

		modules, err := selectModules(cfg.Modules)
		if err != nil {
			return err
		}
		if _, err := agent.Load("app", modules...); err != nil {
			return fmt.Errorf("load modules: %w", err)
		}

		srv := &http.Server{
			Addr:    cfg.Listen,
			Handler: newRouter(agent),
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("serving metrics", "addr", cfg.Listen, "modules", cfg.Modules)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("graceful shutdown did not complete", "error", err)
				if err := srv.Close(); err != nil {
					return err
				}
			}
			return agent.Close()
		}
	},
}

// selectModules maps config module names to hook modules.
func selectModules(names []string) ([]domain.Module, error) {
	var modules []domain.Module
	for _, name := range names {
		switch name {
		case "sql":
			modules = append(modules, sqlhook.New())
		case "http":
			modules = append(modules, httphook.New())
		default:
			return nil, fmt.Errorf("unknown module %q", name)
		}
	}
	return modules, nil
}

// newRouter builds the agent's HTTP surface. Application routes are
// dispatched through the agent so the HTTP hook module sees them.
func newRouter(agent *promagent.Agent) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", agent.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	r.Group(func(r chi.Router) {
		r.Use(instrument(agent))
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintln(w, "pong")
		})
	})
	return r
}

// instrument routes each request through the agent's dispatcher under
// the HTTP hook's operation, so request counters and durations land on
// the shared registry.
func instrument(agent *promagent.Agent) func(http.Handler) http.Handler {
	op := hook.Op{Name: httphook.OpRequest, Shape: hook.MakeShape("string", "string")}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			args := []any{req.Method, req.URL.Path}
			_ = agent.Do(req.Context(), op, args, func(ctx context.Context) error {
				next.ServeHTTP(w, req.WithContext(ctx))
				return nil
			})
		})
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
