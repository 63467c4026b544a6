// inboxtriage classifies unread mail with a language model, labels it and
// drafts or sends guarded replies.
//
// Usage:
//
//	inboxtriage run [--mode=auto|fresh|resume] [--dry-run]
//	inboxtriage serve
//	inboxtriage cancel
//	inboxtriage status [--check]
//	inboxtriage guardrails selftest
//	inboxtriage config init [--force]
//	inboxtriage credentials set|delete <key>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/model"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
}

// cfg is loaded before any subcommand runs.
var cfg *model.AppConfig

var rootCmd = &cobra.Command{
	Use:   "inboxtriage",
	Short: "Classify, label and answer incoming mail",
	Long: "inboxtriage scans a mailbox, classifies new threads with a language model,\n" +
		"applies labels and drafts or sends replies that pass the guardrails.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", model.DefaultConfigPath(), "Path to the YAML config file")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(guardrailsCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.Version = version
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := model.LoadConfig(rootFlags.configPath)
	if err != nil {
		return err
	}
	if rootFlags.logLevel != "" {
		c.Log.Level = rootFlags.logLevel
	}
	logging.Init(logging.ParseLevel(c.Log.Level), c.Log.Format, cmd.ErrOrStderr())
	cfg = c
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
