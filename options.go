package admem

import (
	"log/slog"

	"github.com/hupe1980/admem/catalog"
	"github.com/hupe1980/admem/internal/format"
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	catalog          catalog.Catalog
	arenaSize        uint64
	classes          []uint32
	classesSet       bool
	openConcurrency  int
}

// Option configures a Manager.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &admem.BasicMetricsCollector{}
//	m, _ := admem.NewManager(admem.WithMetricsCollector(metrics))
//	// ... use m ...
//	stats := metrics.GetStats()
//	fmt.Printf("Commits: %d, Avg latency: %dns\n", stats.CommitCount, stats.CommitAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := admem.NewJSONLogger(slog.LevelInfo)
//	m, _ := admem.NewManager(admem.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithCatalog sets the catalog that records blob names and sizes.
// The default is an in-memory catalog private to the manager.
func WithCatalog(c catalog.Catalog) Option {
	return func(o *options) {
		o.catalog = c
	}
}

// WithArenaSize sets the arena size for newly created blobs. It must be a
// power of two of at least 128 KiB. Existing blobs keep the arena size
// recorded in their header. Unless WithSizeClasses is also given, the
// default classes too large for the arena are dropped.
func WithArenaSize(size uint64) Option {
	return func(o *options) {
		o.arenaSize = size
	}
}

// WithSizeClasses replaces the size-class table used for newly created blobs.
// Sizes must be strictly ascending multiples of 8, at most 32 entries, and the
// largest must fit in one arena.
func WithSizeClasses(classes ...uint32) Option {
	return func(o *options) {
		o.classes = append([]uint32(nil), classes...)
		o.classesSet = true
	}
}

// WithOpenConcurrency bounds the number of arena headers read in parallel by
// FinishOpen. Values below 1 mean unbounded.
func WithOpenConcurrency(n int) Option {
	return func(o *options) {
		o.openConcurrency = n
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		arenaSize:        format.DefaultArenaSize,
		classes:          append([]uint32(nil), format.DefaultClasses...),
		openConcurrency:  8,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if !o.classesSet {
		o.classes = format.FitClasses(o.classes, o.arenaSize)
	}
	if o.catalog == nil {
		o.catalog = catalog.NewMemory()
	}
	return o
}
