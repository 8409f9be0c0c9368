package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"model-align-go/aligner"
	"model-align-go/checkpoint"
	"model-align-go/permuter"
	"model-align-go/topology"
)

// options are the resolved command-line settings.
type options struct {
	model       string
	target      string
	outPath     string
	iterations  int
	sinkhorn    bool
	sinkhornReg float64
	dtype       string
	precision   string
	seed        int64
	noProgress  bool
	logLevel    string
}

func main() {
	// Load env
	_ = godotenv.Load(".env")

	opts := options{}
	registerFlags(flag.CommandLine, &opts)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] MODEL\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts.model = flag.Arg(0)

	if err := run(opts); err != nil {
		log.Fatalf("align-model: %v", err)
	}
}

// registerFlags binds opts to fs. -t, -o, -i and -s are short forms of
// --target, --out-path, --iters and --sinkhorn.
func registerFlags(fs *flag.FlagSet, opts *options) {
	fs.StringVar(&opts.target, "target", envString("ALIGN_TARGET", ""), "Target model directory to align to")
	fs.StringVar(&opts.target, "t", opts.target, "Shorthand for --target")
	fs.StringVar(&opts.outPath, "out-path", envString("ALIGN_OUT_PATH", ""), "Output directory for the aligned model")
	fs.StringVar(&opts.outPath, "o", opts.outPath, "Shorthand for --out-path")
	fs.IntVar(&opts.iterations, "iters", envInt("ALIGN_ITERS", 10), "Number of alignment passes")
	fs.IntVar(&opts.iterations, "i", opts.iterations, "Shorthand for --iters")
	fs.BoolVar(&opts.sinkhorn, "sinkhorn", envBool("ALIGN_SINKHORN", false), "Use entropic optimal transport instead of exact assignment")
	fs.BoolVar(&opts.sinkhorn, "s", opts.sinkhorn, "Shorthand for --sinkhorn")
	fs.Float64Var(&opts.sinkhornReg, "sinkhorn-reg", envFloat("ALIGN_SINKHORN_REG", 0.05), "Sinkhorn regularization")
	fs.StringVar(&opts.dtype, "dtype", envString("ALIGN_DTYPE", ""), "Output dtype: F32, F16 or BF16 (default: source dtype)")
	fs.StringVar(&opts.precision, "precision", envString("ALIGN_PRECISION", "wide"), "Cost accumulation precision: wide or native")
	fs.Int64Var(&opts.seed, "seed", envInt64("ALIGN_SEED", 0), "Seed for the traversal order (0 = default)")
	fs.BoolVar(&opts.noProgress, "no-progress", envBool("ALIGN_NO_PROGRESS", false), "Disable the progress bar")
	fs.StringVar(&opts.logLevel, "log-level", envString("ALIGN_LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
}

func run(opts options) error {
	if opts.target == "" || opts.outPath == "" {
		return fmt.Errorf("--target and --out-path are required")
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	precision, err := aligner.ParsePrecision(opts.precision)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	logger = logger.With("run_id", runID)
	logger.Info("starting alignment", "model", opts.model, "target", opts.target, "out", opts.outPath)

	model, err := checkpoint.Open(opts.model)
	if err != nil {
		return fmt.Errorf("failed to open model: %w", err)
	}
	target, err := checkpoint.Open(opts.target)
	if err != nil {
		return fmt.Errorf("failed to open target: %w", err)
	}

	topo, err := topology.FromCheckpoint(model)
	if err != nil {
		return err
	}
	logger.Info("built topology",
		"architecture", model.Config.Architecture,
		"spaces", len(topo.SpaceNames()),
		"head_groups", len(topo.HeadGroups()),
		"weights", len(topo.Weights()))

	permOpts := []permuter.Option{permuter.WithLogger(logger), permuter.WithRunID(runID)}
	if opts.dtype != "" {
		dtype, err := checkpoint.ParseDType(opts.dtype)
		if err != nil {
			return err
		}
		permOpts = append(permOpts, permuter.WithOutputDType(dtype))
	}
	p, err := permuter.New(topo, model, target, permOpts...)
	if err != nil {
		return err
	}

	config, err := aligner.NewConfig(permuter.ModelRef, permuter.TargetRef,
		aligner.WithIterations(opts.iterations),
		aligner.WithSoftTransport(opts.sinkhorn),
		aligner.WithTransportRegularization(opts.sinkhornReg),
		aligner.WithPrecision(precision),
		aligner.WithSeed(opts.seed),
		aligner.WithProgress(!opts.noProgress),
		aligner.WithOutputPath(opts.outPath),
		aligner.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	a, err := aligner.NewAligner(config, p)
	if err != nil {
		return err
	}
	report, err := a.Run(aligner.NewState())
	if err != nil {
		return err
	}

	total := 0
	for _, it := range report.Iterations {
		total += it.Changes
	}
	logger.Info("alignment complete",
		"iterations", len(report.Iterations),
		"changes", total,
		"untransformed", len(report.Untransformed))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
