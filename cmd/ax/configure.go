package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/creds"
)

func configureCmd() *cobra.Command {
	var apiKey string
	var refreshToken string
	var tavilyKey string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write the initial configuration and store credentials",
		Long: "Creates the data directory, writes a default config.yaml (honouring\n" +
			"--data-dir and --profile), and stores any provided credentials in the\n" +
			"host .env file. Secrets never go into config.yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if profile != "" {
				cfg.Profile = config.Profile(profile)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			configPath := filepath.Join(cfg.DataDir, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("config exists, leaving %s untouched\n", configPath)
			} else {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				if err := os.WriteFile(configPath, data, 0o600); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Printf("wrote %s\n", configPath)
			}

			updates := map[string]string{}
			if apiKey != "" {
				updates[creds.EnvAPIKey] = apiKey
			}
			if refreshToken != "" {
				updates[creds.EnvRefreshToken] = refreshToken
			}
			if tavilyKey != "" {
				updates["TAVILY_API_KEY"] = tavilyKey
			}
			if len(updates) > 0 {
				if err := creds.RewriteEnvFile(cfg.EnvFile(), updates); err != nil {
					return err
				}
				fmt.Printf("stored %d credential(s) in %s\n", len(updates), cfg.EnvFile())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "upstream API key")
	cmd.Flags().StringVar(&refreshToken, "oauth-refresh-token", "", "upstream OAuth refresh token")
	cmd.Flags().StringVar(&tavilyKey, "tavily-key", "", "Tavily web search API key")
	return cmd
}
