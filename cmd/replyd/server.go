package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/replyd/internal/api"
	"github.com/kalambet/replyd/internal/config"
	"github.com/kalambet/replyd/internal/generation"
	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/provider"
	"github.com/kalambet/replyd/internal/quota"
	"github.com/kalambet/replyd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the replyd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		memory, _ := cmd.Flags().GetBool("memory")
		return runServer(memory)
	},
}

func init() {
	startCmd.Flags().Bool("memory", false, "keep accounts and history in memory (nothing is written to disk)")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running replyd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replyd server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the replyd MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "replyd.pid")
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

func removePIDFile(path string) {
	os.Remove(path)
}

// stack is the wired generation pipeline shared by the HTTP and MCP servers.
type stack struct {
	store      *storage.Store
	ledger     quota.Ledger
	history    *history.Materializer
	reconciler *history.Reconciler
	orch       *generation.Orchestrator
}

func (s *stack) Close() error {
	return s.store.Close()
}

// buildStack wires storage, ledger, provider, history and orchestrator.
// In memory mode the database is ":memory:" and quota lives in a
// MemoryLedger seeded with accounts.
func buildStack(cfg config.Config, logger *slog.Logger, memory bool, accounts []string) (*stack, error) {
	timeout, err := cfg.Generation.Timeout()
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Storage.DataDir
	if memory {
		dataDir = ":memory:"
	}
	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if err := ensureAccounts(context.Background(), store, accounts, cfg.Quota.DefaultAllowance); err != nil {
		store.Close()
		return nil, err
	}

	var ledger quota.Ledger = quota.NewSQLLedger(store)
	if memory {
		mem := quota.NewMemoryLedger()
		for _, id := range accounts {
			mem.SetAccount(id, cfg.Quota.DefaultAllowance)
		}
		ledger = mem
	}

	prov := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		Logger:      logger,
	})
	hist := history.NewMaterializer(store, logger)
	orch := generation.New(ledger, prov, hist, generation.Config{
		Limits: generation.Limits{
			MaxMessageLength: cfg.Generation.MaxMessageLength,
			DefaultVariants:  cfg.Generation.Variants,
			MaxVariants:      cfg.Generation.MaxVariants,
		},
		FrameBuffer:    cfg.Generation.FrameBuffer,
		VariantTimeout: timeout,
		CostPer1KChars: cfg.Generation.CostPer1KChars,
		Logger:         logger,
	})

	return &stack{
		store:      store,
		ledger:     ledger,
		history:    hist,
		reconciler: history.NewReconciler(store, 2*time.Second, logger),
		orch:       orch,
	}, nil
}

// ensureAccounts creates any missing account with the default allowance.
// Existing accounts keep their allowance and usage.
func ensureAccounts(ctx context.Context, store *storage.Store, ids []string, allowance int) error {
	for _, id := range ids {
		_, err := store.GetAccount(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("reading account %s: %w", id, err)
		}
		if err := store.UpsertAccount(ctx, storage.Account{
			ID:               id,
			MonthlyAllowance: allowance,
			ResetAt:          quota.NextReset(time.Now()),
		}); err != nil {
			return fmt.Errorf("creating account %s: %w", id, err)
		}
		slog.Info("account created", "account_id", id, "allowance", allowance)
	}
	return nil
}

func runServer(memory bool) error {
	fmt.Fprintf(os.Stderr, "replyd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	auth, err := api.ParseTokens(cfg.Auth.Tokens)
	if err != nil {
		return fmt.Errorf("auth.tokens: %w (set REPLYD_AUTH_TOKENS=token=account)", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("replyd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("replyd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(cfg, logger, memory, auth.Accounts())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if memory {
		printWarning("in-memory mode: quota and history are discarded on exit")
	}

	go st.reconciler.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Generator: st.orch,
		Ledger:    st.ledger,
		History:   st.history,
		Auth:      auth,
		Health:    st.store.Ping,
		Logger:    logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "replyd listening on %s\n", addr)
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

	// In-flight streams get a grace period, then their connections are cut
	// and the runs persist whatever finished.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown timed out", "error", err)
		return srv.Close()
	}
	return nil
}

// runMCP serves MCP on stdin/stdout, acting for mcp.account_id.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(cfg, logger, false, []string{cfg.MCP.AccountID})
	if err != nil {
		return err
	}
	defer st.Close()

	go st.reconciler.Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Generator: st.orch,
		Ledger:    st.ledger,
		History:   st.history,
		AccountID: cfg.MCP.AccountID,
	})
	slog.Info("MCP server started (stdio transport)", "account_id", cfg.MCP.AccountID)

	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg := config.LoadUnchecked()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("replyd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop replyd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to replyd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg := config.LoadUnchecked()
	if err := cfg.Validate(); err != nil {
		printWarning("config: %v", err)
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		field(os.Stderr, "Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			field(os.Stderr, "Server", "running on port %d", cfg.Server.Port)
		} else {
			field(os.Stderr, "Server", "error (HTTP %d)", resp.StatusCode)
		}
	}
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		field(os.Stderr, "PID", "%d", pid)
	}

	field(os.Stderr, "Provider", "%s (%s)", cfg.Provider.Model, cfg.Provider.BaseURL)
	field(os.Stderr, "Variants", "%d (max %d)", cfg.Generation.Variants, cfg.Generation.MaxVariants)
	field(os.Stderr, "Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
