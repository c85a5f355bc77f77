package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func grantCmd() *cobra.Command {
	var username, dbName, granteeUsername, granteePublicKeyHex string
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Open a database and grant another user access to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := newConnection(ctx, username)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.OpenDatabase(ctx, dbName, nil); err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			granteePublicKey, err := hex.DecodeString(granteePublicKeyHex)
			if err != nil {
				return fmt.Errorf("decode grantee public key: %w", err)
			}

			if err := conn.GrantDatabaseAccess(ctx, dbName, granteeUsername, granteePublicKey, readOnly); err != nil {
				return fmt.Errorf("grant database access: %w", err)
			}
			fmt.Println("granted", dbName, "to", granteeUsername)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&dbName, "db", "", "database name")
	cmd.Flags().StringVar(&granteeUsername, "grantee", "", "username to grant access to")
	cmd.Flags().StringVar(&granteePublicKeyHex, "grantee-public-key", "", "grantee's public key, hex-encoded")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "grant read-only access")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("db")
	cmd.MarkFlagRequired("grantee")
	cmd.MarkFlagRequired("grantee-public-key")
	return cmd
}

func acceptCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Enumerate and accept every pending database access grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := newConnection(ctx, username)
			if err != nil {
				return err
			}
			defer conn.Close()

			conn.GetDatabaseAccessGrants(ctx)
			fmt.Println("processed pending grants")
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.MarkFlagRequired("username")
	return cmd
}
