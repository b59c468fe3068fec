// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tether-dev/tether/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path := config.BootstrapConfig(); path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", path)
				fmt.Fprintln(cmd.OutOrStdout(), "edit the identities allow-list and sandbox root before running serve")
				return nil
			}

			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", path)
				return nil
			}
			return fmt.Errorf("could not write default config to %s", path)
		},
	}
}
