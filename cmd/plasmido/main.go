// Package main provides the plasmido command line: the HTTP command API
// server and a one-shot workbook runner.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/theam/plasmido"
)

type rootOptions struct {
	logLevel     string
	logFormat    string
	brokerSystem string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "plasmido",
		Short:         "Kafka workbook runner",
		Long:          "Plasmido runs workbooks of Kafka producers and consumers and exposes them through a command API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides PLASMIDO_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (text, json); overrides PLASMIDO_LOG_FORMAT")
	cmd.PersistentFlags().StringVar(&opts.brokerSystem, "broker-system", "", "Broker implementation (kafka, memory); overrides PLASMIDO_BROKER_SYSTEM")

	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts))
	return cmd
}

// load reads the configuration and applies the flag overrides.
func (o *rootOptions) load() (*plasmido.Config, plasmido.ServiceLogger, error) {
	conf, err := plasmido.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		conf.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		conf.LogFormat = o.logFormat
	}
	if o.brokerSystem != "" {
		conf.BrokerSystem = o.brokerSystem
	}
	if err := conf.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := plasmido.NewSlogServiceLogger(plasmido.NewLogger(conf.LogLevel, conf.LogFormat))
	return conf, logger, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
