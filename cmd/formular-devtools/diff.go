package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/binaryjack/formular-dev-tools/pkg/export"
)

func diffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <export.json> <from> <to>",
		Short: "Compare two snapshots of an exported history",
		Long: `Print the differences between two positions of an exported
session history as JSON.

Examples:
  formular-devtools diff exports/login-form/1b4e.json 0 3`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("from: %w", err)
			}
			to, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("to: %w", err)
			}
			return runDiff(cmd.OutOrStdout(), args[0], from, to)
		},
	}
	return cmd
}

func runDiff(w io.Writer, path string, from, to int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := export.Decode(f)
	if err != nil {
		return err
	}
	d, err := doc.Diff(from, to)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
