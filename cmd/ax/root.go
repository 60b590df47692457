package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/ax/common/version"
	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/observability"
)

var (
	cfgFile string
	dataDir string
	profile string
)

var rootCmd = &cobra.Command{
	Use:   "ax",
	Short: "ax is a security-first personal AI agent host",
	Long: "AX runs a personal AI agent inside a sandbox, with every effectful\n" +
		"operation mediated, scanned, and audited by the host.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/config.yaml or $AX_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "host data directory (default: ~/.ax)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "autonomy profile: paranoid, balanced, yolo")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(configureCmd())
	rootCmd.AddCommand(bootstrapCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ax %s\n", version.Info())
		},
	}
}

// loadConfig resolves the configuration for a command invocation, applying
// the global flags on top of the file.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("AX_CONFIG")
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if profile != "" {
		cfg.Profile = config.Profile(profile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
