// Command codexmux-daemon runs the multi-workspace agent session
// multiplexer: it spawns an agent child process per attached workspace, or
// fans several workspaces onto one already-running process when a caller
// attaches them together, routes each process's JSON-RPC traffic back to
// the right workspace, and relays turn-completion push notifications to
// registered mobile devices.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kandev/codexmux/internal/api"
	"github.com/kandev/codexmux/internal/common/logger"
	"github.com/kandev/codexmux/internal/config"
	"github.com/kandev/codexmux/internal/gateway"
	"github.com/kandev/codexmux/internal/manager"
	"github.com/kandev/codexmux/internal/push"
	"github.com/kandev/codexmux/internal/tracing"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "codexmux-daemon",
		Short: "Multi-workspace agent session multiplexer and push broker",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("agent-binary", "", "path to the agent binary (overrides agent.binaryPath)")
	root.PersistentFlags().Int("port", 0, "HTTP control API port (overrides server.port)")
	_ = viper.BindPFlag("agent.binaryPath", root.PersistentFlags().Lookup("agent-binary"))
	_ = viper.BindPFlag("server.port", root.PersistentFlags().Lookup("port"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if binary, _ := cmd.Flags().GetString("agent-binary"); binary != "" {
		cfg.Agent.BinaryPath = binary
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	broker := push.Load(cfg.Push.DataDir, push.NewHTTPRelay(), push.NewDirectFCMSender(cfg.Push.DataDir), log)
	if cfg.Push.RelayURL != "" {
		relayURL := cfg.Push.RelayURL
		authToken := cfg.Push.RelayAuthToken
		if _, err := broker.PatchConfig(push.ConfigPatch{RelayURL: &relayURL, RelayAuthToken: &authToken}); err != nil {
			log.WithError(err).Warn("failed to apply configured relay defaults")
		}
	}

	mgr := manager.New(cfg.Agent, broker, log)
	gw := gateway.New(log)
	mgr.SetEventForwarder(gw.Forward)

	server := api.New(mgr, broker, gw, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("codexmux-daemon listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCh:
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("failed to flush tracing provider")
	}
	return httpServer.Shutdown(shutdownCtx)
}
