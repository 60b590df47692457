package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/ax/internal/app"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the AX host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			host, err := app.New(cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to initialize host: %v\n", err)
				return err
			}

			return host.Run(context.Background())
		},
	}
}
