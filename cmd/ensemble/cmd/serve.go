package cmd

import (
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ensemble-ai/ensemble/internal/api"
	"github.com/ensemble-ai/ensemble/internal/diagnostics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration engine's HTTP server",
	Long: `Start the engine: orchestration endpoints, the file-editor surface,
SSE event streams, and the agent tool bridge.

Examples:
  # Start with defaults
  ensemble serve

  # Custom listen address
  ensemble serve --addr :3000`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	stopSweepers := eng.startSweepers(cfg.Workspace.Grace())
	defer stopSweepers()

	loader.Watch()

	monitor := diagnostics.NewMonitor(cfg.Workspace.IsolatedRootPrefix)
	server := api.NewServer(eng.scheduler, eng.registry, eng.hub, eng.editors, eng.bridge, eng.store,
		api.WithLogger(logger),
		api.WithMonitor(monitor),
		api.WithDefaults(api.Defaults{InternalToken: cfg.Bridge.InternalServiceToken}),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	if err := server.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
