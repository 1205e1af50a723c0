package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/itohio/gostim/pkg/config"
)

var (
	configWrite string

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		Long: `Prints the configuration loaded from --config with defaults filled in.
With --write the defaults are saved to the given file instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configWrite != "" {
				if err := config.Default().Save(configWrite); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configWrite)
				return nil
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	configCmd.Flags().StringVarP(&configWrite, "write", "w", "", "write the default configuration to this file")
}
