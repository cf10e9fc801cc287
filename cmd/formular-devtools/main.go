package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fderrors.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "formular-devtools",
		Short: "Dev-tools bridge for Formular forms",
		Long: `formular-devtools runs the inspector endpoint that form pages
connect to over WebSocket.

It keeps one session per form, records a bounded history of state
snapshots for time travel, and exposes sessions over a small JSON API:

  • Origin-checked WebSocket transport
  • Full and delta state sync with stale-update rejection
  • History seek, diff and restore
  • History export to disk or S3`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		initCmd(),
		diffCmd(),
		versionCmd(),
	)
	return root
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
