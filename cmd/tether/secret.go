// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tether-dev/tether/internal/secrets"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// serviceName is the keyring service under which tether stores secrets.
const serviceName = "tether"

// secretStoreFactory creates a secrets.Store. Package-level so tests can
// substitute an in-memory implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long:  "Store, list, and delete secrets kept under the tether service in the\noperating system keyring. Reference them from config as keyring://tether/<name>.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret under the given name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, value := args[0], args[1]
			if err := secretStoreFactory().Store(serviceName, name, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored secret: %s (reference as keyring://%s/%s)\n", name, serviceName, name)
			return nil
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := secretStoreFactory().List(serviceName)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "No secrets stored.")
				return nil
			}
			for _, k := range keys {
				fmt.Fprintln(out, k)
			}
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := secretStoreFactory().Delete(serviceName, name); err != nil {
				if tetherr.HasCode(err, tetherr.CodeSecretNotFound) {
					return tetherr.Errorf(tetherr.CodeSecretNotFound, "secret %q not found", name)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
			return nil
		},
	}
}
