package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/R3E-Network/transaction_gateway/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Contract-driven transaction gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile(opts.envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "gateway YAML config (default $GATEWAY_CONFIG or config/gateway.yaml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newContractsCommand(opts))
	cmd.AddCommand(newTokenCommand())
	return cmd
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is ignored.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFromPath(o.configPath)
	}
	return config.Load()
}
