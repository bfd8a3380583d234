package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-mesh/nexus/internal/cluster"
	"github.com/nexus-mesh/nexus/internal/config"
	"github.com/nexus-mesh/nexus/internal/logging"
	"github.com/nexus-mesh/nexus/internal/ops"
	"github.com/nexus-mesh/nexus/internal/store"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nexus daemon",
	Long: `Start this node: connect to the broker, join the cluster, begin
consuming tasks and serve the ops API. Configuration comes from the
environment; see the README for the variable reference.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().String("env-file", "", "Optional .env file (default ./.env)")
}

func runServe(cfg *config.Config) error {
	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("nexusd")

	log.Info().
		Str("version", Version).
		Str("agent_id", cfg.Cluster.AgentID).
		Bool("cluster_enabled", cfg.Cluster.Enabled).
		Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := cluster.NewManager(cfg.Cluster, logging.Logger)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("cluster start: %w", err)
	}

	registerBuiltins(mgr, cfg.Cluster.AgentID)

	var insights *store.InsightStore
	if cfg.DatabaseURL != "" {
		st, err := store.NewInsightStore(ctx, cfg.DatabaseURL)
		if err != nil {
			stopCluster(mgr)
			return fmt.Errorf("insight store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			stopCluster(mgr)
			return fmt.Errorf("insight schema: %w", err)
		}
		defer st.Close()

		insights = st
		mgr.SetPromotionCallback(st.SaveInsight)
		log.Info().Msg("memory promotion sink enabled")
	}

	var opsSrv *ops.Server
	if cfg.OpsAddr != "" {
		opsSrv = ops.NewServer(cfg.OpsAddr, mgr, insights, logging.WithComponent("ops"))
		if err := opsSrv.Start(ctx); err != nil {
			stopCluster(mgr)
			return fmt.Errorf("ops server: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if opsSrv != nil {
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("ops shutdown failed")
		}
	}
	mgr.Stop(shutdownCtx)

	log.Info().Msg("shutdown complete")
	return nil
}

// stopCluster tears the cluster down after a partial startup.
func stopCluster(mgr *cluster.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	mgr.Stop(ctx)
}

// registerBuiltins installs the task handlers every node answers. They
// double as liveness probes for the task path.
func registerBuiltins(mgr *cluster.Manager, agentID string) {
	mgr.RegisterHandler("echo", func(ctx context.Context, task *cluster.Task) (any, error) {
		return task.Payload, nil
	})
	mgr.RegisterHandler("ping", func(ctx context.Context, task *cluster.Task) (any, error) {
		return map[string]any{
			"pong":     true,
			"agent_id": agentID,
			"at":       time.Now().UnixMilli(),
		}, nil
	})
}
