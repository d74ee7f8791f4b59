package main

import (
	"fmt"
	"time"

	"muster/pkg/config"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI defaults",
		Long:  "View and change the defaults used by announce, discover, components and status",
	}
	cmd.AddCommand(configGetCmd(), configSetCmd(), configViewCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			value, err := getClientSetting(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			cfg, err := config.LoadClientConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := setClientSetting(cfg, key, value); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration updated: %s = %s\n", key, value)
			return nil
		},
	}
}

func configViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "View the entire configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("# "+config.GetClientConfigPath()))
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func getClientSetting(cfg *config.ClientConfig, key string) (string, error) {
	switch key {
	case "node-address":
		return cfg.NodeAddress, nil
	case "coordinator":
		return cfg.CoordinatorAddress, nil
	case "output-format":
		return cfg.OutputFormat, nil
	case "timeout":
		return cfg.Timeout.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

func setClientSetting(cfg *config.ClientConfig, key, value string) error {
	switch key {
	case "node-address":
		cfg.NodeAddress = value
	case "coordinator":
		cfg.CoordinatorAddress = value
	case "output-format":
		if value != config.OutputStyled && value != config.OutputJSON {
			return fmt.Errorf("invalid output format: %s (use styled or json)", value)
		}
		cfg.OutputFormat = value
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid timeout: %s", value)
		}
		cfg.Timeout = config.Duration(d)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
