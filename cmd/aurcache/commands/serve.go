package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/messaging"
	"github.com/aurcache/aurcache/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build controller, NATS intake and metrics endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", ":8080", "Address for /healthz and /metrics")
	serveCmd.Flags().Int("max-concurrent-builds", 1, "Builds allowed to run at once")

	viper.BindPFlag("listen-addr", serveCmd.Flags().Lookup("listen-addr"))
	viper.BindPFlag("max-concurrent-builds", serveCmd.Flags().Lookup("max-concurrent-builds"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := newPipeline(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.failInterrupted(ctx); err != nil {
		return err
	}
	if unlinked, err := p.reconciler.Verify(ctx); err != nil {
		slog.Warn("repository_verify_failed", "error", err)
	} else if len(unlinked) > 0 {
		slog.Warn("repository_unlinked_files", "count", len(unlinked), "hint", "run 'aurcache cleanup --orphaned'")
	}

	if cfg.NATSURL != "" {
		sub, err := messaging.Subscribe(ctx, cfg.NATSURL, cfg.NATSSubject, p.controller)
		if err != nil {
			return errors.Wrap(err, "NATS intake failed")
		}
		defer sub.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(p.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := p.engine.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("http_listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http_server_failed", "error", err)
			stop()
		}
	}()

	err = p.controller.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	slog.Info("serve_stopped")
	return err
}
