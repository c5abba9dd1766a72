package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/runningwild/expbench/pkg/agent"
	"github.com/runningwild/expbench/pkg/bench"
	"github.com/runningwild/expbench/pkg/cluster"
	"github.com/runningwild/expbench/pkg/config"
	"github.com/runningwild/expbench/pkg/engine"
	"github.com/runningwild/expbench/pkg/report"
	"github.com/runningwild/expbench/pkg/sweep"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runBenchCmd(os.Args[2:])
			return
		case "sweep":
			runSweepCmd(os.Args[2:])
			return
		case "agent":
			runAgentCmd(os.Args[2:])
			return
		case "remote":
			runRemoteCmd(os.Args[2:])
			return
		case "worker":
			// Entry point for process-isolated pool workers; not for direct use.
			runWorkerCmd()
			return
		}
	}
	runBenchCmd(os.Args[1:])
}

// Flags holds pointers to the flags shared by every subcommand.
type Flags struct {
	ConfigFile  *string
	WriteConfig *string

	Duration   *time.Duration
	BatchSize  *int
	CheckEvery *int
	Workers    *int
	Isolation  *string
	Pin        *bool
	Grace      *time.Duration

	ReportFile *string
	LogLevel   *string
	LogJSON    *bool
}

func SetupFlags(fs *flag.FlagSet) *Flags {
	def := config.Default()
	f := &Flags{}
	f.ConfigFile = fs.String("config", "", "Path to YAML configuration file (disables the benchmark flags below)")
	f.WriteConfig = fs.String("write-config", "", "Save the effective configuration to this YAML file")

	f.Duration = fs.Duration("duration", def.Duration, "How long each run lasts")
	f.BatchSize = fs.Int("batch", def.BatchSize, "Terms summed per work unit")
	f.CheckEvery = fs.Int("check-every", def.CheckEvery, "Work units between cancellation checks")
	f.Workers = fs.Int("workers", 0, "Multi-mode workers (0 = all available CPUs)")
	f.Isolation = fs.String("isolation", def.Isolation, "Multi-mode worker isolation: 'goroutine' or 'process'")
	f.Pin = fs.Bool("pin", false, "Pin each worker to its own CPU (Linux only)")
	f.Grace = fs.Duration("grace", def.Grace, "Teardown grace period before workers are forced down")

	f.ReportFile = fs.String("report", "", "Write results to JSON file")
	f.LogLevel = fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	f.LogJSON = fs.Bool("log-json", false, "Log as JSON instead of text")
	return f
}

// LoadConfig returns the config from -config if given, otherwise from flags.
func (f *Flags) LoadConfig() (*config.Config, error) {
	if *f.ConfigFile != "" {
		cfg, err := config.Load(*f.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		return cfg, nil
	}

	cfg := &config.Config{
		Duration:   *f.Duration,
		BatchSize:  *f.BatchSize,
		CheckEvery: *f.CheckEvery,
		Workers:    *f.Workers,
		Isolation:  *f.Isolation,
		Pin:        *f.Pin,
		Grace:      *f.Grace,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) MaybeWriteConfig(cfg *config.Config) {
	if *f.WriteConfig == "" {
		return
	}
	if err := cfg.Write(*f.WriteConfig); err != nil {
		fmt.Printf("Warning: Failed to write config file: %v\n", err)
		return
	}
	fmt.Printf("Configuration written to %s\n", *f.WriteConfig)
}

// Logger builds the stderr logger selected by -log-level and -log-json.
func (f *Flags) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*f.LogLevel)); err != nil {
		fmt.Printf("Warning: unknown log level %q, using warn\n", *f.LogLevel)
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if *f.LogJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// setup parses args and returns everything a subcommand needs, exiting on
// bad input.
func setup(fs *flag.FlagSet, args []string) (*Flags, *config.Config, *slog.Logger) {
	f := SetupFlags(fs)
	fs.Parse(args)
	logger := f.Logger()

	cfg, err := f.LoadConfig()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	f.MaybeWriteConfig(cfg)
	return f, cfg, logger
}

func parseModes(s string) ([]engine.Mode, error) {
	if strings.EqualFold(s, "both") {
		return []engine.Mode{engine.Single, engine.Multi}, nil
	}
	m, err := engine.ParseMode(s)
	if err != nil {
		return nil, err
	}
	return []engine.Mode{m}, nil
}

// runBenchCmd handles "expbench [run] [flags]"
func runBenchCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	modeFlag := fs.String("mode", "both", "Which runs to perform: 'single', 'multi' or 'both'")
	detail := fs.Bool("detail", false, "Print per-worker counts, stability and drift after each run")
	f, cfg, logger := setup(fs, args)

	modes, err := parseModes(*modeFlag)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	width := cfg.Workers
	if width == 0 {
		width = engine.Parallelism()
	}
	fmt.Printf("CPUs: %d available, multi mode uses %d workers (%s)\n", engine.Parallelism(), width, cfg.Isolation)
	fmt.Printf("Each run lasts %v; press Ctrl-C to stop.\n", cfg.Duration)

	trace := &rateTrace{}
	params := engine.ParamsFrom(cfg, engine.Single)
	params.Progress = trace.add
	ctrl := bench.New(engine.New(engine.WithLogger(logger)), params, bench.WithLogger(logger))

	var results []engine.Result
	for _, mode := range modes {
		if ctx.Err() != nil {
			break
		}
		trace.reset()
		res, err := watch(ctx, ctrl, mode)
		fmt.Printf("\r%-7s %s\n", modeLabel(mode)+":", report.Line(res, err))
		if err != nil {
			continue
		}
		results = append(results, res)
		if *detail {
			report.Detail(os.Stdout, res)
			if fit := trace.drift(); fit.Inliers > 0 {
				fmt.Printf("Drift:       %+.2f%%/s over %d of %d samples\n",
					fit.RelativeSlope()*100, fit.Inliers, trace.size())
			}
		}
	}

	if *f.ReportFile != "" {
		writeReport(*f.ReportFile, results)
	}
}

func modeLabel(m engine.Mode) string {
	s := m.String()
	return strings.ToUpper(s[:1]) + s[1:]
}

// watch starts one run and prints its elapsed time until it finishes.
// Cancelling ctx is relayed to the run.
func watch(ctx context.Context, ctrl *bench.Controller, mode engine.Mode) (engine.Result, error) {
	run, err := ctrl.StartRun(mode)
	if err != nil {
		return engine.Result{Mode: mode}, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	stop := ctx.Done()
	for {
		select {
		case <-run.Done():
			return run.Wait()
		case <-stop:
			stop = nil
			run.Cancel()
		case <-ticker.C:
			fmt.Printf("\r%s", report.Running(run.Progress().Elapsed))
		}
	}
}

// runSweepCmd handles "expbench sweep [flags]"
func runSweepCmd(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	minW := fs.Int("min", 1, "Minimum worker count")
	maxW := fs.Int("max", engine.Parallelism(), "Maximum worker count")
	stepW := fs.Int("step", 1, "Worker count step")
	f, cfg, logger := setup(fs, args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s := sweep.New(engine.New(engine.WithLogger(logger)))
	s.OnStep = func(i, total int, st sweep.Step) {
		fmt.Printf("[%d/%d] workers=%d -> %s\n", i, total, st.Workers, report.Line(st.Result, nil))
	}

	fmt.Printf("Sweeping workers %d..%d (step %d), %v per step...\n", *minW, *maxW, *stepW, cfg.Duration)
	rep, err := s.Run(ctx, engine.ParamsFrom(cfg, engine.Multi), sweep.Range{Min: *minW, Max: *maxW, Step: *stepW})
	if err != nil {
		fmt.Printf("Sweep failed: %v\n", err)
		os.Exit(1)
	}

	if rep.Cancelled {
		fmt.Printf("\n>>> Sweep Cancelled after %d steps <<<\n", len(rep.Steps))
	} else {
		fmt.Printf("\n>>> Sweep Complete <<<\n")
	}
	if len(rep.Steps) >= 3 {
		fmt.Printf("Knee found at: %.0f workers (%.0f it/s)\n", rep.Knee.X, rep.Knee.Y)
		if rep.Analysis.LinearLimit.X > 0 {
			fmt.Printf("Linear scaling ends at: %.0f workers\n", rep.Analysis.LinearLimit.X)
		}
		if rep.Analysis.Saturation.X > 0 {
			fmt.Printf("Saturation at: %.0f workers\n", rep.Analysis.Saturation.X)
		}
		fmt.Printf("Confidence: %.2f\n", rep.Confidence)
	} else {
		fmt.Println("Could not identify a distinct knee.")
	}

	if *f.ReportFile != "" {
		writeReport(*f.ReportFile, rep)
	}
}

// runAgentCmd handles "expbench agent [flags]"
func runAgentCmd(args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	port := fs.Int("port", 9000, "Port to listen on")
	_, cfg, logger := setup(fs, args)

	ctrl := bench.New(engine.New(engine.WithLogger(logger)), engine.ParamsFrom(cfg, engine.Single), bench.WithLogger(logger))
	srv := agent.NewServer(ctrl, logger)

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("expbench agent listening on %s (duration %v, isolation %s)\n", addr, cfg.Duration, cfg.Isolation)
	if err := srv.ListenAndServe(addr); err != nil {
		fmt.Printf("Agent failed: %v\n", err)
		os.Exit(1)
	}
}

// runRemoteCmd handles "expbench remote -nodes host1:9000,host2:9000 [flags]"
func runRemoteCmd(args []string) {
	fs := flag.NewFlagSet("remote", flag.ExitOnError)
	nodesFlag := fs.String("nodes", "", "Comma-separated list of expbench agents (e.g. host1:9000)")
	modeFlag := fs.String("mode", "multi", "Run mode on every node: 'single' or 'multi'")
	timeout := fs.Duration("timeout", time.Minute, "Per-request timeout, must exceed the agents' run duration")
	f, _, logger := setup(fs, args)

	if *nodesFlag == "" {
		fmt.Println("Error: -nodes is required")
		os.Exit(1)
	}
	nodes := strings.Split(*nodesFlag, ",")
	mode, err := engine.ParseMode(*modeFlag)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Running %s mode on %d nodes...\n", mode, len(nodes))
	c := cluster.New(nodes, *timeout, logger)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if p, err := c.Progress(ctx); err == nil && p.Running {
					fmt.Printf("\r%s", report.Running(p.Elapsed))
				}
			}
		}
	}()
	res, err := c.Run(ctx, mode)
	close(done)

	if err != nil {
		fmt.Printf("\rRemote: %s\n", report.Line(engine.Result{}, err))
		os.Exit(1)
	}
	fmt.Printf("\rRemote: %s\n", report.Line(*res, nil))
	report.Detail(os.Stdout, *res)

	if *f.ReportFile != "" {
		writeReport(*f.ReportFile, res)
	}
}

func runWorkerCmd() {
	if err := engine.ServeWorker(os.Stdin, os.Stdout, os.NewFile(3, "cancel-token")); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func writeReport(path string, v any) {
	if err := report.WriteJSON(path, v); err != nil {
		fmt.Printf("Failed to write report: %v\n", err)
		return
	}
	fmt.Printf("Report written to %s\n", path)
}
