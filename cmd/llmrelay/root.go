package main

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	flagConfig  string
	flagHost    string
	flagPort    string
	flagLog     string
	flagLogFile string
)

var rootCmd = &cobra.Command{
	Use:   "llmrelay",
	Short: "llmrelay is an LLM gateway speaking the OpenAI and Anthropic chat schemas",
	Long: `llmrelay sits between chat clients and model providers. Requests arrive
in OpenAI or Anthropic wire format, are routed to a configured provider,
translated to that provider's format, and relayed back, streaming included.`,
}

func init() {
	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a JSON config file")
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", "", "listen host (overrides HOST)")
	rootCmd.PersistentFlags().StringVar(&flagPort, "port", "", "listen port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&flagLog, "log", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "write logs to this file as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}
