// Command chatdesk runs the booking desk chat service and its inspection tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stupiduntilnot/chatdesk/internal/config"
)

// cli carries the global flags and the logger built from them.
type cli struct {
	configPath string
	dbPath     string
	verbose    bool

	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "chatdesk",
		Short: "WebSocket chat desk for bus ticket booking",
		Long: `chatdesk serves a conversational booking assistant over WebSocket.

Each user may hold several connections; replies go to all of them. Every
message is persisted, answered by the configured completion provider and
audited as an event tree in SQLite.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zcfg := zap.NewProductionConfig()
			if c.verbose {
				zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := zcfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ./chatdesk.yaml if present)")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd(c), newHistoryCmd(c), newEventsCmd(c))
	return root
}

// inspectDBPath resolves the database for read-only commands without
// requiring provider credentials.
func (c *cli) inspectDBPath() string {
	if c.dbPath != "" {
		return c.dbPath
	}
	return envOrDefault(config.EnvName("db_path"), "/state/chatdesk.db")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
