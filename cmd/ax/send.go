package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var sessionID string
	var userID string

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message to the running host and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			body, err := json.Marshal(map[string]interface{}{
				"messages": []map[string]string{
					{"role": "user", "content": strings.Join(args, " ")},
				},
				"session_id": sessionID,
				"user_id":    userID,
			})
			if err != nil {
				return err
			}

			client := &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
						return net.Dial("unix", cfg.Socket())
					},
				},
			}

			resp, err := client.Post("http://ax/v1/chat/completions", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("is the host running? %w", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			var parsed struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(data, &parsed); err != nil {
				return fmt.Errorf("unexpected response: %s", data)
			}
			if parsed.Error.Message != "" {
				return fmt.Errorf("%s", parsed.Error.Message)
			}
			for _, block := range parsed.Content {
				fmt.Println(block.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "cli", "session identifier")
	cmd.Flags().StringVar(&userID, "user", "", "user identifier")
	return cmd
}
