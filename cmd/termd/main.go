package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/termd/internal/config"
	"github.com/vibetunnel/termd/internal/control"
	"github.com/vibetunnel/termd/internal/eventbus"
	"github.com/vibetunnel/termd/internal/history"
	"github.com/vibetunnel/termd/internal/httpapi"
	"github.com/vibetunnel/termd/internal/registry"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "termd",
		Short: "termd is the session core behind VibeTunnel",
		Long:  "termd manages PTY-backed terminal sessions, their recordings, and the IPC/HTTP surface used to attach to them.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("termd version %s\n", version)
		},
	}

	var bindAddress string
	var port int
	var controlRoot string
	var natsURL string
	var databaseURL string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the termd control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if bindAddress != "" {
				cfg.Server.BindAddress = bindAddress
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if controlRoot != "" {
				cfg.Server.ControlRoot = controlRoot
			}
			if natsURL != "" {
				cfg.Server.NatsURL = natsURL
			}
			if databaseURL != "" {
				cfg.Server.DatabaseURL = databaseURL
			}

			if err := cfg.EnsureControlRoot(); err != nil {
				return fmt.Errorf("failed to create control root: %w", err)
			}

			bus, err := eventbus.NewBus(cfg.Server.NatsURL)
			if err != nil {
				return fmt.Errorf("failed to create event bus: %w", err)
			}
			defer bus.Close()
			if bus.IsActive() {
				fmt.Printf("event bus: %s\n", cfg.Server.NatsURL)
			}

			var hist *history.Store
			if cfg.Server.DatabaseURL != "" {
				hist, err = history.Open(cfg.Server.DatabaseURL)
				if err != nil {
					return fmt.Errorf("failed to open history store: %w", err)
				}
				defer hist.Close()
				fmt.Printf("session history: enabled\n")
			}

			reg, err := registry.New(registry.Options{
				ControlRoot:        cfg.Server.ControlRoot,
				CleanupOnStartup:   cfg.Server.CleanupOnStartup,
				SubscriberQueueLen: cfg.Server.SubscriberQueueLen,
				BackpressureGrace:  cfg.Server.BackpressureGrace(),
			})
			if err != nil {
				return fmt.Errorf("failed to create registry: %w", err)
			}
			if err := reg.Recover(); err != nil {
				return fmt.Errorf("failed to recover sessions: %w", err)
			}

			plane := control.New(reg, bus, hist)
			srv := httpapi.New(cfg, plane)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\nshutting down...")
				srv.Shutdown(context.Background())
			}()

			fmt.Printf("control directory: %s\n", cfg.Server.ControlRoot)
			if err := srv.Start(); err != nil && err.Error() != "http: Server closed" {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}

	serveCmd.Flags().StringVar(&bindAddress, "bind", "", "address to bind (default from config)")
	serveCmd.Flags().IntVar(&port, "port", 0, "port to bind (default from config)")
	serveCmd.Flags().StringVar(&controlRoot, "control-root", "", "control directory (default from config)")
	serveCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS URL for session lifecycle events")
	serveCmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres URL for optional session history")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
