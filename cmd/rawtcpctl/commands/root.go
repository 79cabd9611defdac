// Package commands implements the rawtcpctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient talks to the rawtcpd admin API.
	httpClient *http.Client

	// serverAddr is the daemon's admin address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for rawtcpctl.
var rootCmd = &cobra.Command{
	Use:   "rawtcpctl",
	Short: "CLI client for the rawtcpd daemon",
	Long:  "rawtcpctl communicates with the rawtcpd daemon's admin HTTP API to manage TCP connections.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = &http.Client{Timeout: 10 * time.Second}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"rawtcpd admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// adminURL builds a full URL against the admin server for path.
func adminURL(path string) string {
	return "http://" + serverAddr + path
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
