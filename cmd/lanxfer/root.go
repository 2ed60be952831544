package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/lanxfer"
	"github.com/opd-ai/lanxfer/config"
)

type ctxKey string

const configKey ctxKey = "config"

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
		dataDir    string
	)

	root := &cobra.Command{
		Use:           "lanxfer",
		Short:         "Secure resumable file transfer on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if err := config.SetupLogging(cfg.LogLevel, cfg.LogFormat, nil); err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding identity, checkpoints and history")

	root.AddCommand(serveCommand(), sendCommand(), idCommand(), historyCommand(), checkpointsCommand())
	return root
}

func loadedConfig(cmd *cobra.Command) (*config.Config, error) {
	if v, ok := cmd.Context().Value(configKey).(*config.Config); ok {
		return v, nil
	}
	return nil, errors.New("configuration not loaded")
}

// openNode creates a node from the loaded configuration. mutate may adjust
// options before the node starts.
func openNode(cmd *cobra.Command, mutate func(o *lanxfer.Options)) (*lanxfer.Node, *config.Config, error) {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	opts := cfg.Options()
	if mutate != nil {
		mutate(opts)
	}
	node, err := lanxfer.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("start node: %w", err)
	}
	return node, cfg, nil
}
