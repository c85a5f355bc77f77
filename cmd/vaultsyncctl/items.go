package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func itemsCmd() *cobra.Command {
	var username, dbName string
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Open a database and print its current item set",
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
			items, err := conn.GetItems(dbName)
			if err != nil {
				return fmt.Errorf("get items: %w", err)
			}
			for _, item := range items {
				fmt.Printf("%s: %s\n", item.ItemID, item.Record)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&dbName, "db", "", "database name")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("db")
	return cmd
}
