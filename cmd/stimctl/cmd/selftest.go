package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/safety"
)

var selfTestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Check every sensor and actuator once.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		hw, err := openHardware(cfg, clock.Real{}, log)
		if err != nil {
			return err
		}
		defer hw.Close()

		mon := safety.New(cfg.Safety, cfg.Limits.MaxIntensity, hw, clock.Real{}, nil, log.Named("safety"))
		res, err := mon.PerformSelfTest(ctx)

		out := cmd.OutOrStdout()
		for _, c := range res.Checks {
			status := "ok"
			if c.Err != "" {
				status = "FAIL: " + c.Err
			}
			fmt.Fprintf(out, "%-18s %s\n", c.Name, status)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "self-test passed, seal %.1f mmHg\n", res.SealPressure)
		return nil
	},
}
