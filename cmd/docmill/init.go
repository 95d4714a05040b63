package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahalverson/docmill/internal/config"
	"github.com/ahalverson/docmill/internal/home"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the docmill home directory",
	Long: `Create the docmill home directory with its blob store layout and a
default config file.

Examples:
  docmill init                     # Initialize ~/.docmill
  docmill init --home /data/mill   # Initialize a custom location`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		if h.ConfigExists() && !initForce {
			fmt.Printf("config already exists at %s (use --force to overwrite)\n", h.ConfigPath())
			return nil
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}

		fmt.Printf("initialized docmill home at %s\n", h.Path())
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
