// Package cmd provides the CLI commands for the mcpwire bridge.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpwire/mcpwire/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpwire",
	Short: "mcpwire - MCP stdio-to-network bridge",
	Long: `mcpwire exposes a stdio MCP server over SSE, WebSocket, and HTTP POST,
with an optional content-filter chain between the client and the child.

Quick start:
  mcpwire run --port 3000 --cmd "python weather_server.py"

Configuration:
  Config is loaded from mcpwire.yaml in the current directory,
  $HOME/.mcpwire/, or /etc/mcpwire/. Flags override the file.

  Environment variables override config values with the MCPWIRE_ prefix,
  e.g. MCPWIRE_SERVER_PORT=9090. Authentication is usually configured via
  BRIDGE_AUTH_MODE and BRIDGE_AUTH_SECRET.`,
}

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Exit codes: 1 bad flags or config, 2 child failed to start, 3 restart
// budget exhausted.
const (
	exitBadConfig     = 1
	exitChildStart    = 2
	exitBudgetExhaust = 3
)

// Execute runs the root command and maps errors onto exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitBadConfig)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpwire.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
