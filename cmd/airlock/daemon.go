package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/fentz26/airlock/internal/actions"
	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/approval"
	"github.com/fentz26/airlock/internal/audit"
	"github.com/fentz26/airlock/internal/config"
	"github.com/fentz26/airlock/internal/connectors"
	"github.com/fentz26/airlock/internal/connectors/localexec"
	"github.com/fentz26/airlock/internal/connectors/sandbox"
	"github.com/fentz26/airlock/internal/controlplane"
	"github.com/fentz26/airlock/internal/ledger"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
	"github.com/fentz26/airlock/internal/planner"
	"github.com/fentz26/airlock/internal/providers/llm"
	"github.com/fentz26/airlock/internal/store"
)

var (
	configFile string
	envFile    string
	listenAddr string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Airlock daemon (airlockd)",
	Long:  `Starts the Airlock daemon which plans, gates and executes tasks and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configFile, "config", "", "Config file (default {data dir}/config.yaml)")
	daemonCmd.Flags().StringVar(&envFile, "env-file", "", "Env file loaded before the environment (default .env)")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address, overrides server.listen")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Options{File: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	logger.Info("starting airlock daemon", "version", controlplane.Version, "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("database close failed", "error", err)
		}
	}()
	if n, err := st.ExpireStaleApprovals(); err != nil {
		logger.Warn("expiring stale approvals failed", "error", err)
	} else if n > 0 {
		logger.Info("expired approvals left over from a previous run", "count", n)
	}
	pdr := audit.NewPDRWriter(st)

	policy, err := airlock.NewProvider(cfg.PolicyPath(), logger)
	if err != nil {
		return err
	}
	if err := policy.Watch(ctx); err != nil {
		logger.Warn("policy hot reload disabled", "error", err)
	}

	txs, err := st.ListTransactions()
	if err != nil {
		return err
	}
	led := ledger.New(ledger.NewVersionStore(cfg.VersionsDir(), st), st, logger)
	led.Seed(txs)

	runner, closeRunner, err := newConnector(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRunner()
	performer := actions.NewPerformer(led, runner, logger,
		actions.WithRunRecorder(st),
		actions.WithMaxFetchBytes(cfg.Executor.MaxFetchBytes))

	oracle, err := newOracle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	evaluator := airlock.NewEvaluator(nil)
	gate := approval.NewGate(approval.Options{
		Expiry:      func() time.Duration { return policy.Snapshot().Expiry() },
		Recorder:    st,
		Audit:       pdr,
		Logger:      logger,
		RequesterID: cfg.Approvals.RequesterID,
	})

	service := controlplane.NewService(controlplane.Deps{
		Store:         st,
		PDR:           pdr,
		Planner:       planner.New(oracle, evaluator, policy, logger),
		Policy:        policy,
		Evaluator:     evaluator,
		Gate:          gate,
		Ledger:        led,
		Performer:     performer,
		Scheduler:     &cfg.Scheduler,
		Logger:        logger,
		FailurePolicy: models.FailurePolicy(cfg.Executor.FailurePolicy),
	})
	service.Start()
	defer service.Stop()

	if !cfg.Auth.Enabled() && !loopback(cfg.Server.Listen) {
		logger.Warn("API is unauthenticated on a non-loopback address", "listen", cfg.Server.Listen)
	}
	server := controlplane.NewServer(service, cfg.Server, cfg.Auth, logger)

	if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", "error", err)
	} else if ok {
		logger.Debug("notified systemd")
	}

	err = server.Run(ctx)
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
	logger.Info("shutting down", "reason", context.Cause(ctx))
	return err
}

// newConnector builds the runCommand backend. The sandbox never falls back
// to local execution.
func newConnector(ctx context.Context, cfg *config.Config, logger *logging.Logger) (connectors.Connector, func(), error) {
	switch cfg.Executor.Connector {
	case config.ConnectorSandbox:
		sbCfg := cfg.Executor.Sandbox
		if sbCfg.Allowlist == nil {
			sbCfg.Allowlist = cfg.Executor.Allow
		}
		sb, err := sandbox.New(sbCfg)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if !sb.IsAvailable(pingCtx) {
			sb.Close()
			return nil, nil, fmt.Errorf("sandbox connector selected but docker is not reachable")
		}
		logger.Info("commands run in docker sandbox", "image", sbCfg.Image)
		return sb, func() { sb.Close() }, nil
	default:
		workDir, err := os.Getwd()
		if err != nil {
			return nil, nil, err
		}
		return localexec.New(workDir, cfg.Executor.Allow), func() {}, nil
	}
}

// newOracle picks the model-backed planner when a provider is configured
// and the rule planner otherwise.
func newOracle(ctx context.Context, cfg *config.Config, logger *logging.Logger) (planner.Oracle, error) {
	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	if client == nil {
		logger.Info("no llm provider configured, using rule planner")
		return planner.RuleOracle{}, nil
	}
	logger.Info("planning with llm", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	return &planner.LLMOracle{Client: client, MaxHistory: 20}, nil
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
