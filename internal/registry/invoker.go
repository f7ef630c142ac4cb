package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/budget"
	"github.com/helioslabs/missiond/internal/logging"
)

const instrumentationName = "github.com/helioslabs/missiond/internal/registry"

// RetryConfig bounds the invoker's retry behavior.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// ApplyDefaults fills zero fields with the default retry policy.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
}

// CostSink receives budget events from the invoker. PreAuthorize reserves
// the hint; Release returns it once the call has settled and its actual
// cost has been charged.
type CostSink interface {
	PreAuthorize(hint decimal.Decimal) error
	Release(hint decimal.Decimal)
	Charge(amount decimal.Decimal) decimal.Decimal
}

// AttemptRecord is one dispatch attempt, successful or not.
type AttemptRecord struct {
	Provider  string
	Operation string
	Attempt   int
	Status    string
	ErrorKind string
	Latency   time.Duration
	Cost      decimal.Decimal
	Parent    uint64
}

// Recorder persists attempt records. A recording failure is fatal to the
// owning session: an unrecorded tool call must never succeed silently.
type Recorder interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
}

// Request describes one tool invocation.
type Request struct {
	Provider   string
	Operation  string
	Arguments  map[string]any
	BudgetHint decimal.Decimal
	Timeout    time.Duration

	// Parent is the ledger sequence number of the decision that requested
	// this call.
	Parent uint64
}

// Invoker dispatches tool calls through the registry.
type Invoker struct {
	registry *Registry
	retry    RetryConfig
	logger   *zap.Logger
	tracer   trace.Tracer

	calls     metric.Int64Counter
	failures  metric.Int64Counter
	latencies metric.Float64Histogram
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(c RetryConfig) InvokerOption {
	return func(i *Invoker) { i.retry = c }
}

// WithLogger sets the invoker's logger.
func WithLogger(logger *zap.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = logger }
}

// NewInvoker creates an invoker over the registry.
func NewInvoker(r *Registry, opts ...InvokerOption) (*Invoker, error) {
	if r == nil {
		return nil, errors.New("registry is required")
	}

	inv := &Invoker{
		registry: r,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.retry.ApplyDefaults()

	if err := inv.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return inv, nil
}

func (i *Invoker) initMetrics() error {
	meter := otel.Meter(instrumentationName)

	var err error
	if i.calls, err = meter.Int64Counter("invoker.calls",
		metric.WithDescription("Total tool invocations dispatched"),
	); err != nil {
		return err
	}
	if i.failures, err = meter.Int64Counter("invoker.failures",
		metric.WithDescription("Tool invocations that exhausted retries"),
	); err != nil {
		return err
	}
	i.latencies, err = meter.Float64Histogram("invoker.latency",
		metric.WithDescription("Tool call latency in seconds"),
		metric.WithUnit("s"),
	)
	return err
}

// Invoke dispatches a tool call. Every attempt is recorded through rec, and
// every declared cost is charged to costs whether or not the attempt
// succeeded. Pre-dispatch failures (unknown provider, unsupported
// operation, quota rejection) record a zero-cost attempt before returning,
// so every failure leaves a provenance entry.
func (i *Invoker) Invoke(ctx context.Context, req Request, costs CostSink, rec Recorder) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "invoker.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("operation", req.Operation),
	)

	// Pre-dispatch failures still leave a provenance trail: an attempt
	// that never reached a provider is recorded like a rejected one.
	provider, err := i.registry.Get(req.Provider)
	if err != nil {
		if recErr := i.record(ctx, rec, req, 0, "rejected", "provider_not_found", 0, decimal.Zero); recErr != nil {
			return nil, recErr
		}
		return nil, err
	}
	desc := provider.Descriptor()
	if !desc.Supports(req.Operation) {
		if recErr := i.record(ctx, rec, req, 0, "rejected", "capability_mismatch", 0, decimal.Zero); recErr != nil {
			return nil, recErr
		}
		return nil, fmt.Errorf("%w: %s does not offer %s",
			ErrCapabilityMismatch, req.Provider, req.Operation)
	}

	if costs != nil {
		if err := costs.PreAuthorize(req.BudgetHint); err != nil {
			if recErr := i.record(ctx, rec, req, 0, "rejected", "quota", 0, decimal.Zero); recErr != nil {
				return nil, recErr
			}
			i.logger.With(logging.ContextFields(ctx)...).Warn("tool call rejected by quota",
				zap.String("provider", req.Provider),
				zap.String("operation", req.Operation),
				zap.Error(err))
			return nil, err
		}
		defer costs.Release(req.BudgetHint)
	}

	if limiter := i.registry.limiter(req.Provider); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	backoff := i.retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= i.retry.MaxAttempts; attempt++ {
		if i.calls != nil {
			i.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", req.Provider)))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := provider.Call(attemptCtx, req.Operation, req.Arguments)
		cancel()
		elapsed := time.Since(start)

		if i.latencies != nil {
			i.latencies.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(attribute.String("provider", req.Provider)))
		}

		if err == nil {
			// Charge declared cost before reporting success.
			cost := decimal.Zero
			if res != nil {
				cost = res.Cost
			}
			if costs != nil && cost.IsPositive() {
				costs.Charge(cost)
			}
			if recErr := i.record(ctx, rec, req, attempt, "success", "", elapsed, cost); recErr != nil {
				return nil, recErr
			}
			return res, nil
		}

		err = i.classify(err)
		lastErr = err

		// Failed attempts still cost money when the provider declared spend.
		cost := decimal.Zero
		if res != nil && res.Cost.IsPositive() {
			cost = res.Cost
			if costs != nil {
				costs.Charge(cost)
			}
		}
		if recErr := i.record(ctx, rec, req, attempt, "failure", errorKind(err), elapsed, cost); recErr != nil {
			return nil, recErr
		}

		i.logger.With(logging.ContextFields(ctx)...).Warn("tool call attempt failed",
			zap.String("provider", req.Provider),
			zap.String("operation", req.Operation),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !retryable(err) || attempt == i.retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * i.retry.BackoffMultiplier)
		if backoff > i.retry.MaxBackoff {
			backoff = i.retry.MaxBackoff
		}
	}

	if i.failures != nil {
		i.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", req.Provider)))
	}
	return nil, lastErr
}

func (i *Invoker) record(ctx context.Context, rec Recorder, req Request, attempt int, status, kind string, latency time.Duration, cost decimal.Decimal) error {
	if rec == nil {
		return nil
	}
	return rec.RecordAttempt(ctx, AttemptRecord{
		Provider:  req.Provider,
		Operation: req.Operation,
		Attempt:   attempt,
		Status:    status,
		ErrorKind: kind,
		Latency:   latency,
		Cost:      cost,
		Parent:    req.Parent,
	})
}

// classify maps raw provider errors onto the invoker's error taxonomy.
// Errors a provider did not classify are treated as transient.
func (i *Invoker) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrTransient),
		errors.Is(err, ErrTimeout),
		errors.Is(err, budget.ErrQuotaExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}
