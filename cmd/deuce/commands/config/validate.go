package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/deuce/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the Deuce configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  deuce config validate

  # Validate specific config file
  deuce config validate --config /etc/deuce/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string

	if cfg.Metadata.Type == "" {
		warnings = append(warnings, "metadata backend type not configured")
	}
	if cfg.Storage.Type == "" {
		warnings = append(warnings, "storage backend type not configured")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Metadata backend: %s\n", cfg.Metadata.Type)
	fmt.Printf("  Storage backend:  %s\n", cfg.Storage.Type)
	fmt.Printf("  API port:         %d\n", cfg.API.Port)
	fmt.Printf("  Log level:        %s\n", cfg.Logging.Level)

	return nil
}
