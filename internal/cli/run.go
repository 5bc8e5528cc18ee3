package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sirsim/internal/cluster"
	"sirsim/internal/cluster/local"
	"sirsim/internal/cluster/netrpc"
	"sirsim/internal/config"
	"sirsim/internal/domain"
	"sirsim/internal/fs"
	"sirsim/internal/messaging/inproc"
	"sirsim/internal/population"
	"sirsim/internal/report"
	"sirsim/internal/simulation"
	sqlitestore "sirsim/internal/store/sqlite"
)

// RunOptions holds flags for the run command. Flags that are not set leave
// the config file (or built-in default) value alone.
type RunOptions struct {
	*RootOptions
	Population      int
	Steps           int
	Radius          float64
	Beta            float64
	Gamma           float64
	InitialInfected float64
	Seed            uint64
	Workers         int
	Threads         int
	Remainder       string
	Transport       string
	Peers           []string
	Format          string
	Out             string
	OutFormat       string
	Append          bool
	Quiet           bool
	Database        string
	RunID           string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and report the census of every step",
		Long: `Run one simulation and report the number of susceptible, infected and
recovered agents after every step.

Example:
  sirsim run --population 10000 --steps 100 --workers 4 --threads 4
  sirsim run --config sir.toml --out dados_sir.txt --db data/sirsim.db
  sirsim run --transport rpc --peers host1:7101,host2:7101`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), opts, cmd)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Population, "population", 0, "number of agents")
	f.IntVar(&opts.Steps, "steps", 0, "number of time steps")
	f.Float64Var(&opts.Radius, "radius", 0, "contact radius")
	f.Float64Var(&opts.Beta, "beta", 0, "infection probability per contact")
	f.Float64Var(&opts.Gamma, "gamma", 0, "recovery probability per step")
	f.Float64Var(&opts.InitialInfected, "initial-infected", 0, "fraction of agents infected at step 0")
	f.Uint64Var(&opts.Seed, "seed", 0, "random seed (0 derives one from the clock)")
	f.IntVar(&opts.Workers, "workers", 0, "number of in-process workers")
	f.IntVar(&opts.Threads, "threads", 0, "kernel goroutines per worker")
	f.StringVar(&opts.Remainder, "remainder", "", "remainder policy when workers do not divide the population (first|spread|reject)")
	f.StringVar(&opts.Transport, "transport", "", "worker transport (local|rpc)")
	f.StringSliceVar(&opts.Peers, "peers", nil, "rpc worker addresses")
	f.StringVar(&opts.Format, "format", "", "stdout format (csv|json|columns|legacy)")
	f.StringVar(&opts.Out, "out", "", "report file, relative to report.output_dir")
	f.StringVar(&opts.OutFormat, "out-format", "", "report file format (csv|json|columns|legacy)")
	f.BoolVar(&opts.Append, "append", false, "append to the report file instead of replacing it")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print the census on stdout")
	f.StringVar(&opts.Database, "db", "", "record the run in this SQLite database")
	f.StringVar(&opts.RunID, "run-id", "", "run id (default: random uuid)")

	return cmd
}

// applyFlags overlays the flags the user actually set on cfg.
func applyFlags(cmd *cobra.Command, opts *RunOptions, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("population") {
		cfg.Simulation.Population = opts.Population
	}
	if f.Changed("steps") {
		cfg.Simulation.Steps = opts.Steps
	}
	if f.Changed("radius") {
		cfg.Simulation.ContactRadius = opts.Radius
	}
	if f.Changed("beta") {
		cfg.Simulation.InfectionProbability = opts.Beta
	}
	if f.Changed("gamma") {
		cfg.Simulation.RecoveryProbability = opts.Gamma
	}
	if f.Changed("initial-infected") {
		cfg.Simulation.InitialInfected = opts.InitialInfected
	}
	if f.Changed("seed") {
		cfg.Simulation.Seed = opts.Seed
	}
	if f.Changed("workers") {
		cfg.Cluster.Workers = opts.Workers
	}
	if f.Changed("threads") {
		cfg.Cluster.ThreadsPerWorker = opts.Threads
	}
	if f.Changed("peers") {
		cfg.Cluster.Peers = opts.Peers
	}
	if f.Changed("append") {
		cfg.Report.Append = opts.Append
	}
	if opts.Quiet {
		cfg.Report.Stdout = false
	}
	cfg.Cluster.Remainder = firstNonEmpty(opts.Remainder, cfg.Cluster.Remainder, string(population.RemainderFirst))
	transport := opts.Transport
	if transport == "" && f.Changed("peers") {
		transport = config.TransportRPC
	}
	cfg.Cluster.Transport = firstNonEmpty(transport, cfg.Cluster.Transport, config.TransportLocal)
	cfg.Report.StdoutFormat = firstNonEmpty(opts.Format, cfg.Report.StdoutFormat, string(report.FormatCSV))
	cfg.Report.File = firstNonEmpty(opts.Out, cfg.Report.File)
	cfg.Report.FileFormat = firstNonEmpty(opts.OutFormat, cfg.Report.FileFormat, string(report.FormatColumns))
	cfg.Store.DBPath = firstNonEmpty(opts.Database, cfg.Store.DBPath)
}

func runSimulation(ctx context.Context, opts *RunOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	applyFlags(cmd, opts, &cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	remainder, err := population.ParseRemainderPolicy(cfg.Cluster.Remainder)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	stdoutFormat, err := report.ParseFormat(cfg.Report.StdoutFormat)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid stdout format", err)
	}
	fileFormat, err := report.ParseFormat(cfg.Report.FileFormat)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid report file format", err)
	}

	sinks, cleanup, err := buildSinks(ctx, cfg, stdoutFormat, fileFormat, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open report outputs", err)
	}
	defer cleanup()

	group, err := buildGroup(ctx, cfg, opts.Verbose, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to reach workers", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			logger.Printf("close workers: %v", err)
		}
	}()

	svc := simulation.New(group, report.Multi(sinks...), simulation.Config{
		RunID:           opts.RunID,
		Population:      cfg.Simulation.Population,
		Steps:           cfg.Simulation.Steps,
		InitialInfected: cfg.Simulation.InitialInfected,
		Params: domain.KernelParams{
			ContactRadius:        cfg.Simulation.ContactRadius,
			InfectionProbability: cfg.Simulation.InfectionProbability,
			RecoveryProbability:  cfg.Simulation.RecoveryProbability,
		},
		Seed:          cfg.Simulation.Seed,
		Threads:       cfg.Cluster.ThreadsPerWorker,
		Remainder:     remainder,
		ReportInitial: cfg.Simulation.ReportInitial,
	}, logger)

	summary, err := svc.Run(ctx)
	if err != nil {
		if errors.Is(err, simulation.ErrSetup) {
			return WrapExitError(ExitCommandError, "invalid simulation setup", err)
		}
		return WrapExitError(ExitFailure, "simulation failed", err)
	}
	logger.Printf("summary run=%s seed=%d s=%d i=%d r=%d elapsed=%s",
		summary.Run.ID, summary.Run.Seed, summary.Final.Susceptible, summary.Final.Infected,
		summary.Final.Recovered, summary.Elapsed.Round(time.Millisecond))
	return nil
}

func buildSinks(ctx context.Context, cfg config.Config, stdoutFormat, fileFormat report.Format, cmd *cobra.Command) ([]report.Sink, func(), error) {
	var sinks []report.Sink
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Report.Stdout {
		sinks = append(sinks, report.NewWriterSink(cmd.OutOrStdout(), stdoutFormat))
	}
	if cfg.Report.File != "" {
		gw, err := fs.NewGateway(firstNonEmpty(cfg.Report.OutputDir, "."))
		if err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, report.NewFileSink(gw, cfg.Report.File, fileFormat, cfg.Report.Append))
	}
	if cfg.Store.DBPath != "" {
		store, err := openStore(ctx, cfg.Store.DBPath)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = store.Close() })
		sinks = append(sinks, report.NewStoreSink(store))
	}
	return sinks, cleanup, nil
}

func buildGroup(ctx context.Context, cfg config.Config, verbose bool, logger *log.Logger) (*cluster.Group, error) {
	groupCfg := cluster.Config{CallTimeout: time.Duration(cfg.Cluster.CallTimeoutMS) * time.Millisecond}
	count := cfg.Cluster.WorkerCount()
	logger.Printf("cluster starting transport=%s workers=%d", cfg.Cluster.Transport, count)

	switch cfg.Cluster.Transport {
	case config.TransportRPC:
		remote, err := netrpc.DialAll(ctx, cfg.Cluster.Peers, 10*time.Second)
		if err != nil {
			return nil, err
		}
		peers := make([]cluster.Peer, len(remote))
		for i, p := range remote {
			peers[i] = p
		}
		return cluster.NewGroup(peers, groupCfg, logger), nil
	default:
		workers := local.StartN(ctx, inproc.New(8), count, verbose, logger)
		peers := make([]cluster.Peer, len(workers))
		for i, p := range workers {
			peers[i] = p
		}
		return cluster.NewGroup(peers, groupCfg, logger), nil
	}
}

func openStore(ctx context.Context, dbPath string) (*sqlitestore.Store, error) {
	dbPath = filepath.Clean(dbPath)
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
