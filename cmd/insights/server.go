package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/acurioustractor/ledger-insights/internal/api"
	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/cache"
	"github.com/acurioustractor/ledger-insights/internal/config"
	"github.com/acurioustractor/ledger-insights/internal/dispatch"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, dispatcher and scheduled runs (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools on stdin/stdout")
}

// cachePruneInterval is how often serve sweeps the fingerprint cache.
const cachePruneInterval = 24 * time.Hour

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "insights.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// tokenTable builds the principals the API accepts. The CLI's own token acts
// as an admin.
func tokenTable(cfg config.Config) *authz.Tokens {
	principals := cfg.Principals()
	if cfg.Auth.APIToken != "" {
		principals[cfg.Auth.APIToken] = authz.Principal{Subject: "cli", Role: authz.RoleAdmin}
	}
	return authz.NewTokens(principals)
}

func runServer(ctx context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "insights version %s\n", version)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	cfg := a.cfg

	tokens := tokenTable(cfg)
	if tokens.Len() == 0 {
		printWarning("No API tokens configured; every authenticated route will answer 401")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	svc := &api.Service{Store: a.store, Orchestrator: a.orchestrator, MaxAttempts: cfg.Dispatch.MaxAttempts}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer a.orchestrator.Shutdown()

	worker := dispatch.NewWorker(a.store, a.analyzer, dispatch.Config{
		PollInterval: cfg.Dispatch.PollInterval,
		Concurrency:  cfg.Dispatch.Concurrency,
		Lease:        cfg.Dispatch.Lease,
	}, a.metrics)
	wg.Go(func() { worker.Run(ctx) })

	wg.Go(func() { a.orchestrator.Schedule(ctx, cfg.Pipeline.ScheduleInterval, pipeline.Options{}) })
	slog.Info("scheduled runs enabled", "interval", cfg.Pipeline.ScheduleInterval)

	wg.Go(func() { pruneCache(ctx, cache.NewSQLite(a.store), cfg.Cache.Retention) })

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc, Principal: authz.System()})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(api.Deps{Service: svc, Tokens: tokens, Metrics: a.metrics}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "insights listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// pruneCache sweeps cache entries past retention once a day until ctx ends.
func pruneCache(ctx context.Context, c *cache.SQLite, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(cachePruneInterval)
	defer ticker.Stop()
	for {
		n, err := c.Prune(retention)
		if err != nil {
			slog.Warn("pruning fingerprint cache", "error", err)
		} else if n > 0 {
			slog.Info("pruned fingerprint cache", "entries", n, "older_than", retention)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
