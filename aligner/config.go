package aligner

import (
	"fmt"
	"log/slog"
	"strings"
)

// Precision selects the arithmetic used to accumulate exact-mode cost matrices.
type Precision int

const (
	// PrecisionWide accumulates in float64 so near-equal scores do not
	// collapse into assignment ties.
	PrecisionWide Precision = iota
	// PrecisionNative accumulates in float32, the width weights are stored at.
	PrecisionNative
)

// ParsePrecision parses "wide" or "native".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "", "wide", "float64", "f64":
		return PrecisionWide, nil
	case "native", "float32", "f32":
		return PrecisionNative, nil
	}
	return 0, fmt.Errorf("%w: unknown precision %q", ErrInvalidConfig, s)
}

func (p Precision) String() string {
	if p == PrecisionNative {
		return "native"
	}
	return "wide"
}

// defaultSeed is used when callers leave the seed at zero.
const defaultSeed int64 = 1

// Config holds the configuration for an alignment run
type Config struct {
	Model  ModelRef
	Target ModelRef

	Iterations              int
	UseSoftTransport        bool
	TransportRegularization float64
	Precision               Precision
	Seed                    int64
	ShowProgress            bool
	OutputPath              string

	Logger *slog.Logger
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(model, target ModelRef, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		Model:                   model,
		Target:                  target,
		Iterations:              10,
		UseSoftTransport:        false,
		TransportRegularization: 0.05,
		Precision:               PrecisionWide,
		Seed:                    defaultSeed,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Model == "" || c.Target == "" {
		return fmt.Errorf("%w: model and target are required", ErrInvalidConfig)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("%w: iterations must be > 0, got %d", ErrInvalidConfig, c.Iterations)
	}
	if c.UseSoftTransport && !(c.TransportRegularization > 0) {
		return fmt.Errorf("%w: transport regularization must be > 0, got %g", ErrInvalidConfig, c.TransportRegularization)
	}
	if c.Precision != PrecisionWide && c.Precision != PrecisionNative {
		return fmt.Errorf("%w: unknown precision %d", ErrInvalidConfig, int(c.Precision))
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// WithIterations sets the number of alignment passes
func WithIterations(n int) ConfigOption {
	return func(c *Config) {
		c.Iterations = n
	}
}

// WithSoftTransport switches the solver to entropic optimal transport
func WithSoftTransport(b bool) ConfigOption {
	return func(c *Config) {
		c.UseSoftTransport = b
	}
}

// WithTransportRegularization sets the entropic regularization coefficient
func WithTransportRegularization(reg float64) ConfigOption {
	return func(c *Config) {
		c.TransportRegularization = reg
	}
}

// WithPrecision sets the cost accumulation precision
func WithPrecision(p Precision) ConfigOption {
	return func(c *Config) {
		c.Precision = p
	}
}

// WithSeed sets the seed of the traversal order shuffle. Zero selects the default seed.
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) {
		if seed == 0 {
			seed = defaultSeed
		}
		c.Seed = seed
	}
}

// WithProgress enables the iteration progress bar
func WithProgress(b bool) ConfigOption {
	return func(c *Config) {
		c.ShowProgress = b
	}
}

// WithOutputPath sets where the aligned model is written. Empty skips writing.
func WithOutputPath(path string) ConfigOption {
	return func(c *Config) {
		c.OutputPath = path
	}
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}
