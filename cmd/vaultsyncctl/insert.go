package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func insertCmd() *cobra.Command {
	var username, dbName, itemID, value string
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Open a database and insert one record",
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
			if err := conn.Insert(ctx, dbName, itemID, map[string]string{"value": value}); err != nil {
				return fmt.Errorf("insert: %w", err)
			}
			fmt.Println("inserted", itemID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&dbName, "db", "", "database name")
	cmd.Flags().StringVar(&itemID, "item-id", "", "item id")
	cmd.Flags().StringVar(&value, "value", "", "record value")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("db")
	cmd.MarkFlagRequired("item-id")
	return cmd
}
