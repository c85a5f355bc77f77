package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jaydenbeard/vaultsync/internal/config"
	"github.com/jaydenbeard/vaultsync/internal/connection"
	"github.com/jaydenbeard/vaultsync/internal/store"
)

// newConnection loads configuration and connects with an in-process
// MemoryStore, enough to exercise the protocol without wiring a real
// local-storage adapter.
func newConnection(ctx context.Context, username string) (*connection.Connection, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	conn := connection.New(connection.Options{
		Config:     cfg,
		LocalStore: store.NewMemoryStore(),
		PromptForSeed: func(fingerprint string) ([]byte, bool) {
			fmt.Printf("no local seed found; device fingerprint is %s\n", fingerprint)
			fmt.Println("vaultsyncctl does not accept a manually entered seed; canceling")
			return nil, false
		},
		ConfirmFingerprint: func(fingerprint string) bool {
			fmt.Printf("confirm peer fingerprint %s? (auto-accepted by vaultsyncctl)\n", fingerprint)
			return true
		},
	})

	if err := conn.Connect(ctx, username); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

func connectCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect and print the resulting connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := newConnection(cmd.Context(), username)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Println("state:", conn.State())
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.MarkFlagRequired("username")
	return cmd
}
