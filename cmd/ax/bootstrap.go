package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bdobrica/ax/internal/store"
)

// bootstrapContent seeds a new agent. It stays in the agent directory until
// the agent's first SOUL.md write, which removes it.
const bootstrapContent = `# Bootstrap

You are a newly created agent without an identity yet. Over your first few
conversations, work out with your user:

- what you should be called and how you should talk (your SOUL.md)
- what you are for and what you should never do (your IDENTITY.md)
- what you know about your user (their USER.md)

When you are ready, write SOUL.md through the identity_write action. Writing
SOUL.md ends this bootstrap phase.
`

func bootstrapCmd() *cobra.Command {
	var name string
	var agentType string

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create a new agent identity directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			agentDir := cfg.AgentDir()
			if err := os.MkdirAll(agentDir, 0o700); err != nil {
				return fmt.Errorf("create agent dir: %w", err)
			}

			soulPath := filepath.Join(agentDir, "SOUL.md")
			bootstrapPath := filepath.Join(agentDir, "BOOTSTRAP.md")
			if _, err := os.Stat(soulPath); err == nil {
				fmt.Printf("agent %s already has a SOUL.md, not bootstrapping\n", cfg.AgentID)
				return nil
			}
			if err := os.WriteFile(bootstrapPath, []byte(bootstrapContent), 0o600); err != nil {
				return fmt.Errorf("write BOOTSTRAP.md: %w", err)
			}

			st, err := store.New(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer st.Close()

			if name == "" {
				name = cfg.AgentID
			}
			if agentType == "" {
				agentType = cfg.AgentType
			}
			if err := st.UpsertAgent(context.Background(), &store.AgentEntry{
				ID:        cfg.AgentID,
				Name:      name,
				Status:    store.AgentActive,
				AgentType: agentType,
				CreatedBy: "bootstrap",
			}); err != nil {
				return err
			}

			fmt.Printf("bootstrapped agent %s in %s\n", cfg.AgentID, agentDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (default: agent id)")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type (default: from config)")
	return cmd
}
