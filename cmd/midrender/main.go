package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/midrender/midrender/pkg/config"
	"github.com/midrender/midrender/pkg/farm"
	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Commit    = "unknown"
	BuildTime = "unknown"
)

var dataDirFlag string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "midrender",
	Short: "MidRender - leaderless render farm over a shared filesystem",
	Long: `MidRender turns the machines that already mount your project share
into a render farm. There is no central server to install: every node
runs the same daemon, nodes find each other through the shared
filesystem, and one of them is elected to dispatch work.`,
	Version: types.AppVersion,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"MidRender version %s (protocol %d)\nCommit: %s\nBuilt: %s\n",
		types.AppVersion, types.ProtocolVersion, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "",
		"Node data directory (default: OS config dir)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(statusCmd)
}

func dataDir() (string, error) {
	if dataDirFlag != "" {
		return dataDirFlag, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config dir: %w", err)
	}
	return filepath.Join(base, "midrender"), nil
}

func loadConfig() (*config.Config, string, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, "config.json")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

var initCmd = &cobra.Command{
	Use:   "init --sync-root PATH",
	Short: "Write the node config pointing at the shared filesystem",
	RunE: func(cmd *cobra.Command, args []string) error {
		syncRoot, _ := cmd.Flags().GetString("sync-root")
		if syncRoot == "" {
			return fmt.Errorf("--sync-root is required")
		}
		if _, err := os.Stat(syncRoot); err != nil {
			return fmt.Errorf("sync root %s is not accessible: %w", syncRoot, err)
		}

		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.SyncRoot = syncRoot
		if port, _ := cmd.Flags().GetInt("http-port"); port != 0 {
			cfg.HTTPPort = port
		}
		if tags, _ := cmd.Flags().GetStringSlice("tags"); len(tags) > 0 {
			cfg.Tags = tags
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", path)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the farm daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.SyncRoot == "" {
			return fmt.Errorf("no sync root configured; run 'midrender init --sync-root PATH' first")
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		dir := filepath.Dir(cfgPath)
		f, err := farm.New(cfg, cfgPath, dir)
		if err != nil {
			return err
		}
		if err := f.Start(); err != nil {
			return err
		}

		fmt.Printf("Node %s serving on %s. Press Ctrl+C to stop.\n", f.NodeID(), f.Endpoint())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		f.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	initCmd.Flags().String("sync-root", "", "Path to the shared filesystem mount")
	initCmd.Flags().Int("http-port", 0, "Mesh API port (default 8420)")
	initCmd.Flags().StringSlice("tags", nil, "Capability tags, e.g. gpu,blender")
}
