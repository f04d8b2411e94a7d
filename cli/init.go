package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomflow/loom/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "loom-broker.json"
			}
			return writeDefaultConfig(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./loom-broker.json)")
	return cmd
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := map[string]any{
		"server": map[string]any{
			"addr": ":3002",
		},
		"auth": map[string]any{
			"provider":   "builtin",
			"jwt_secret": secret,
		},
		"storage": map[string]any{
			"driver": "sqlite",
			"dsn":    "loom.db",
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	return nil
}
