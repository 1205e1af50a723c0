package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itohio/gostim/internal/logger"
	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/hal"
)

// DefaultConfigFilename is used when --config is not given.
const DefaultConfigFilename = "gostim.yaml"

var (
	// configPath to the configuration YAML file.
	configPath string
	// useMock forces the simulated device.
	useMock bool
	// logLevel overrides the configured log level.
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "stimctl",
		Short: "Closed-loop stimulation controller.",
		Long: `Runs the closed-loop controller: the physiological state estimator, the
session engine and the seal safety monitor against a serial or simulated device.`,
		SilenceUsage: true,
	}
)

// Execute runs the CLI and exits with non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "use the simulated device")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, selfTestCmd, portsCmd, configCmd)
}

// loadConfig loads the configuration and applies the global flags.
func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if useMock {
		cfg.Hardware.Driver = "mock"
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if lvl, ok := logger.ParseLogLevel(level); ok {
		logger.SetLevel(lvl)
	} else {
		return nil, nil, fmt.Errorf("unknown log level %q", level)
	}

	return cfg, logger.Named(nil, "stimctl"), nil
}

// openHardware creates and connects the configured device.
func openHardware(cfg *config.Config, clk clock.Clock, log *zap.SugaredLogger) (hal.Hardware, error) {
	var hw hal.Hardware
	switch cfg.Hardware.Driver {
	case "serial":
		s := cfg.Hardware.Serial
		hw = hal.NewSerial(s.Port, s.BaudRate, s.StaleAfter, clk, log.Named("serial"))
	default:
		hw = hal.NewMock(&cfg.Hardware.Mock, clk)
	}

	if err := hw.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect %s device: %w", cfg.Hardware.Driver, err)
	}
	log.Infow("device connected", "driver", cfg.Hardware.Driver)
	return hw, nil
}
