package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/linepulse"
	"github.com/jpalmerr/linepulse/config"
)

// validateCmd validates a config file without starting the engine.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a LinePulse configuration file without connecting to anything.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  linepulse validate -c config.yaml
  linepulse validate --config /etc/linepulse/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// option-level checks the YAML layer does not repeat
	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := linepulse.New(opts...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Line:          %s\n", cfg.Line)
	fmt.Printf("  Port:          %d\n", cfg.Port)
	fmt.Printf("  Channels:      push=%t polling=%t notifications=%t\n",
		cfg.PushEnabled(), cfg.PollingEnabled(), cfg.NotificationsEnabled())
	fmt.Printf("  Poll interval: %s\n", cfg.Poll.Interval.Duration())
	if wo := cfg.Filter.WorkOrder; wo != "" {
		fmt.Printf("  Work order:    %s\n", wo)
	}

	return nil
}
