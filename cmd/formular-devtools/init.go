package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/binaryjack/formular-dev-tools/internal/config"
)

func initCmd() *cobra.Command {
	var (
		origin string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Long: `Write a configuration file with default values.

The format follows the extension: .json, .yaml/.yml or .toml.

Examples:
  formular-devtools init
  formular-devtools init devtools.yaml --origin=http://localhost:5173`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ConfigFileName
			if len(args) == 1 {
				path = args[0]
			}
			return runInit(path, origin, force)
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "", "Origin of the form host page")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

func runInit(path, origin string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.New()
	if origin != "" {
		cfg.Server.AllowedOrigin = origin
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := cfg.SaveTo(path); err != nil {
		return err
	}
	success("Wrote %s", path)
	if origin == "" {
		info("Set server.allowedOrigin before running serve")
	}
	return nil
}
