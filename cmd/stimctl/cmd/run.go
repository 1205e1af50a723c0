package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/itohio/gostim/internal/logger"
	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/controller"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/metrics"
	"github.com/itohio/gostim/pkg/session"
	"github.com/itohio/gostim/pkg/telemetry"
	"github.com/itohio/gostim/pkg/trace"
)

var (
	runOpts struct {
		mode            string
		sessionFile     string
		pattern         string
		cycles          int
		peaks           int
		maxDuration     time.Duration
		heartRateWeight float64
		skipCalibration bool
		tracePath       string
		statusInterval  time.Duration
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller, optionally starting a session.",
		Long: `Starts the safety monitor and the session loop against the configured device.

With --mode (or --session) a session is started right away and the command
exits when it finishes. Without it the controller idles with the seal
monitored until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			var scfg *session.Config
			if runOpts.mode != "" || runOpts.sessionFile != "" {
				c, err := sessionConfig(cmd)
				if err != nil {
					return err
				}
				scfg = &c
			}

			return run(ctx, stop, scfg)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.mode, "mode", "m", "", "start a session in this mode (manual, adaptive, forced, multi_cycle, marathon)")
	f.StringVar(&runOpts.sessionFile, "session", "", "YAML file with the session configuration")
	f.StringVar(&runOpts.pattern, "pattern", "", "built-in pattern (constant, wave, pulse, escalation, tease)")
	f.IntVar(&runOpts.cycles, "cycles", 0, "target cycles")
	f.IntVar(&runOpts.peaks, "peaks", 0, "target peaks (forced mode)")
	f.DurationVar(&runOpts.maxDuration, "max-duration", 0, "session time limit")
	f.Float64Var(&runOpts.heartRateWeight, "hr-weight", 0, "heart rate weight in the state estimate, [0, 0.5]")
	f.BoolVar(&runOpts.skipCalibration, "skip-calibration", false, "use the first sample as the baseline")
	f.StringVar(&runOpts.tracePath, "trace", "", "write a CSV trace of the run to this file on exit")
	f.DurationVar(&runOpts.statusInterval, "status-interval", time.Second, "status sampling interval")
}

// sessionConfig builds the session configuration from --session and the flags.
func sessionConfig(cmd *cobra.Command) (session.Config, error) {
	mode := session.Manual
	if runOpts.mode != "" {
		m, err := session.ParseMode(runOpts.mode)
		if err != nil {
			return session.Config{}, err
		}
		mode = m
	}
	cfg := session.DefaultConfig(mode)

	if runOpts.sessionFile != "" {
		data, err := os.ReadFile(runOpts.sessionFile)
		if err != nil {
			return session.Config{}, fmt.Errorf("failed to read session file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return session.Config{}, fmt.Errorf("failed to parse session file: %w", err)
		}
	}

	f := cmd.Flags()
	if f.Changed("pattern") {
		cfg.Pattern = runOpts.pattern
	}
	if f.Changed("cycles") {
		cfg.TargetCycles = runOpts.cycles
	}
	if f.Changed("peaks") {
		cfg.TargetPeaks = runOpts.peaks
	}
	if f.Changed("max-duration") {
		cfg.MaxDurationMs = runOpts.maxDuration.Milliseconds()
	}
	if f.Changed("hr-weight") {
		cfg.HeartRateWeight = runOpts.heartRateWeight
	}
	if f.Changed("skip-calibration") {
		cfg.SkipCalibration = runOpts.skipCalibration
	}

	return cfg, cfg.Validate()
}

func run(ctx context.Context, stop context.CancelFunc, scfg *session.Config) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx = logger.ToContext(ctx, log)

	clk := clock.Real{}
	hw, err := openHardware(cfg, clk, log)
	if err != nil {
		return err
	}
	defer hw.Close()

	bus := events.NewBus(events.DefaultBufferSize, log.Named("events"))
	bus.Subscribe(logEvent(log.Named("events")))

	ctrl := controller.New(cfg, hw, clk, bus, log)
	rec := trace.NewRecorder(0)

	g, gctx := errgroup.WithContext(ctx)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		bus.Subscribe(m.Handle)

		srv := statusServer(cfg.Metrics.Address, reg, ctrl)
		g.Go(func() error {
			log.Infow("metrics listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var sink *telemetry.Sink
	if cfg.Telemetry.Enabled {
		sink, err = telemetry.Connect(cfg.Telemetry, log)
		if err != nil {
			return err
		}
		defer sink.Close()
		bus.Subscribe(sink.Handle)
		log.Infow("telemetry connected", "broker", cfg.Telemetry.Broker)
	}

	g.Go(func() error {
		bus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		return report(gctx, ctrl, rec, m, sink)
	})
	if scfg != nil {
		g.Go(func() error {
			defer stop()
			return runSession(gctx, ctrl, *scfg)
		})
	}

	err = g.Wait()

	if runOpts.tracePath != "" {
		if werr := writeTrace(runOpts.tracePath, rec); werr != nil {
			log.Errorw("trace not written", "err", werr)
		} else {
			log.Infow("trace written", "path", runOpts.tracePath, "points", rec.Len())
		}
	}
	if dropped := bus.Dropped(); dropped > 0 {
		log.Warnw("events dropped", "count", dropped)
	}
	return err
}

// runSession starts cfg and waits for it to finish.
func runSession(ctx context.Context, ctrl *controller.Controller, cfg session.Config) error {
	ctx = logger.WithName(ctx, "session")
	logger.InfoKV(ctx, "starting session", "mode", cfg.Mode)
	if err := ctrl.StartSession(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	ctx = logger.WithKV(ctx, "id", ctrl.Engine().Stats().SessionID)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if st := ctrl.Engine().State(); st == session.Stopped || st == session.Error {
				s := ctrl.Engine().Stats()
				kvs := []any{
					"reason", s.Reason,
					"duration", s.Duration,
					"cycles", s.Cycles,
					"edges", s.Edges,
					"peaks", s.Peaks,
					"max_intensity", s.MaxIntensity,
				}
				if st == session.Error {
					logger.ErrorKV(ctx, "session aborted", kvs...)
					return fmt.Errorf("session ended in error: %s", s.Reason)
				}
				logger.InfoKV(ctx, "session finished", kvs...)
				return nil
			}
		}
	}
}

// report samples the controller for the trace, metrics and telemetry status.
func report(ctx context.Context, ctrl *controller.Controller, rec *trace.Recorder, m *metrics.Metrics, sink *telemetry.Sink) error {
	ctx = logger.WithName(ctx, "report")
	interval := runOpts.statusInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := ctrl.Snapshot()
			rec.Observe(snap)
			if m != nil {
				m.Observe(snap)
			}
			if sink != nil {
				if err := sink.PublishStatus(snap); err != nil {
					logger.WarnKV(ctx, "status not published", "err", err)
				}
			}
		}
	}
}

func statusServer(addr string, reg *prometheus.Registry, ctrl *controller.Controller) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ctrl.Snapshot())
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeTrace(path string, rec *trace.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}
	defer f.Close()
	return trace.WriteCSV(f, rec.Points(nil))
}

// logEvent logs noisy estimator events at debug level and the rest at info.
func logEvent(log *zap.SugaredLogger) events.Handler {
	return func(e events.Event) {
		switch e.Kind {
		case events.StateLevelChanged, events.PhaseChanged, events.SessionStateChanged, events.MonitoringChanged:
			log.Debugw(string(e.Kind), "source", e.Source, "payload", e.Payload)
		case events.EmergencyStopActivated, events.SystemError, events.HardwareFault, events.CorrectionTimeout, events.SignalLost:
			log.Errorw(string(e.Kind), "source", e.Source, "payload", e.Payload)
		default:
			log.Infow(string(e.Kind), "source", e.Source, "payload", e.Payload)
		}
	}
}
