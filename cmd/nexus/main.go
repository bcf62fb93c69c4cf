package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"claude-nexus/internal/config"
	"claude-nexus/internal/crypto"
	"claude-nexus/internal/keypool"
	"claude-nexus/internal/metrics"
	"claude-nexus/internal/registry"
	"claude-nexus/internal/router"
	"claude-nexus/internal/server"
	"claude-nexus/internal/store"
)

const version = "0.1.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "nexus",
	Short:   "Claude-compatible LLM gateway",
	Long:    "A gateway that serves the Claude Messages API and routes requests to OpenAI-compatible, Gemini, or Claude-native upstreams.",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	var cipher *crypto.AESGCM
	if cfg.KeyEncMasterB64 != "" {
		cipher, err = crypto.NewAESGCMFromBase64Key(cfg.KeyEncMasterB64)
		if err != nil {
			return fmt.Errorf("cipher: %w", err)
		}
	} else {
		logger.Warn("no master key configured, credential secrets are stored unencrypted")
	}
	if cfg.AdminToken == "" {
		logger.Warn("no admin token configured, the admin api is disabled")
	}

	m := metrics.New()
	reg := registry.New(st, logger)
	keys := keypool.NewManager(st, cipher, logger)
	rtr := router.New(reg, keys, m, logger, cfg.UpstreamTimeout)

	color.Green("nexus v%s listening on %s (store: %s)", version, cfg.HTTPAddr, cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.New(cfg, logger, reg, keys, rtr, m).Run(ctx)
}

func openStore(cfg config.Config) (store.Store, func() error, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), nil, nil
	case "redis":
		st := store.NewRedis(cfg.RedisAddr)
		return st, st.Close, nil
	case "mysql":
		st, err := store.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
