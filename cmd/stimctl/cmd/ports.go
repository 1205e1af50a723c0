package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itohio/gostim/pkg/hal"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ports, err := hal.Ports()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p.Name)
		}
		return nil
	},
}
