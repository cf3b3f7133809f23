package core

import (
	"context"
	"time"

	"trackcore/internal/matcher"
	"trackcore/internal/structure"
	"trackcore/pkg/domain"
)

// Logger is the minimal structured logger used by the service. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns the current time, falling back to UTC wall time when f is nil.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f()
}

// MetricsRecorder observes operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once per operation.
type TraceSpan interface {
	End(err error)
}

// AuditStatus labels the outcome of an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one edit batch.
type AuditEntry struct {
	Operation string
	Position  string
	Status    AuditStatus
	Modified  int
	Removed   int
	Created   int
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// Matcher resolves ambiguous transitions.
type Matcher interface {
	Match(prev, cur []*domain.TrackedObject, opts matcher.Options) matcher.Assignment
}

type serviceOptions struct {
	clock       Clock
	logger      Logger
	metrics     MetricsRecorder
	tracer      Tracer
	audit       AuditRecorder
	engine      *domain.RulesEngine
	plugins     *Plugins
	matcher     Matcher
	cost        matcher.Cost
	maxCost     float64
	mergePolicy domain.MergePolicy
	reviews     domain.ReviewStore
	newID       structure.IDGenerator
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:       ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:      noopLogger{},
		metrics:     noopMetrics{},
		tracer:      noopTracer{},
		audit:       noopAudit{},
		engine:      NewDefaultRulesEngine(),
		plugins:     NewPlugins(),
		matcher:     matcher.Greedy{},
		cost:        matcher.CostCenterDistance,
		maxCost:     matcher.DefaultMaxCost,
		mergePolicy: domain.MergeAlways,
		newID:       structure.NewObjectID,
	}
}

// Option customises a Service.
type Option func(*serviceOptions)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithAuditRecorder installs an audit recorder.
func WithAuditRecorder(audit AuditRecorder) Option {
	return func(o *serviceOptions) {
		if audit != nil {
			o.audit = audit
		}
	}
}

// WithRulesEngine replaces the default rules engine.
func WithRulesEngine(engine *domain.RulesEngine) Option {
	return func(o *serviceOptions) {
		if engine != nil {
			o.engine = engine
		}
	}
}

// WithPlugins installs the per-class capability registry.
func WithPlugins(plugins *Plugins) Option {
	return func(o *serviceOptions) {
		if plugins != nil {
			o.plugins = plugins
		}
	}
}

// WithMatcher replaces the assignment matcher.
func WithMatcher(m Matcher) Option {
	return func(o *serviceOptions) {
		if m != nil {
			o.matcher = m
		}
	}
}

// WithMatchCost selects the matching cost and its threshold. A non-positive
// threshold keeps matcher.DefaultMaxCost.
func WithMatchCost(cost matcher.Cost, maxCost float64) Option {
	return func(o *serviceOptions) {
		o.cost = cost
		if maxCost > 0 {
			o.maxCost = maxCost
		}
	}
}

// WithMergePolicy sets the policy used by unlink operations.
func WithMergePolicy(policy domain.MergePolicy) Option {
	return func(o *serviceOptions) {
		o.mergePolicy = policy
	}
}

// WithReviewStore installs the review collection store used by repair.
func WithReviewStore(reviews domain.ReviewStore) Option {
	return func(o *serviceOptions) {
		o.reviews = reviews
	}
}

// WithIDGenerator overrides identifiers of created objects.
func WithIDGenerator(gen structure.IDGenerator) Option {
	return func(o *serviceOptions) {
		if gen != nil {
			o.newID = gen
		}
	}
}
