// Package cli provides the command-line interface for the bridge.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"convo-bridge/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

// rootOptions is the state shared by every subcommand once the root pre-run has
// loaded configuration.
type rootOptions struct {
	configPath string
	logFile    string
	verbose    bool

	cfg      config.Config
	log      *slog.Logger
	closeLog func() error
	out      io.Writer
}

// NewRootCommand builds the command tree. out receives command output.
func NewRootCommand(out io.Writer) *cobra.Command {
	rt := &rootOptions{out: out, closeLog: func() error { return nil }}

	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Relay Intercom conversations to a GPT-Trainer chatbot",
		Long: `bridge receives Intercom webhooks (or polls open conversations), batches
user messages per conversation and relays them to a GPT-Trainer chatbot,
posting the reply back as an admin.

A human admin can take a conversation over with the takeover phrase and hand
it back with the activation phrase.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			cfg, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			if rt.logFile != "" {
				cfg.Log.File = rt.logFile
			}
			if rt.verbose {
				cfg.Log.Level = "DEBUG"
			}
			rt.cfg = cfg
			rt.log, rt.closeLog = config.SetupLogger(cfg.Log.File, cfg.LogLevel())
			slog.SetDefault(rt.log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if err := rt.closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		},
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "", "path to a YAML config file (default $BRIDGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rt.logFile, "log-file", "", "also write JSON logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newServeCmd(rt))
	rootCmd.AddCommand(newLambdaCmd(rt))
	rootCmd.AddCommand(newPollCmd(rt))
	rootCmd.AddCommand(newSessionsCmd(rt))
	rootCmd.AddCommand(newTakeoverCmd(rt))
	rootCmd.AddCommand(newStateCmd(rt))
	rootCmd.AddCommand(newEmergencyStopCmd(rt))
	return rootCmd
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCommand(os.Stdout).Execute()
}
