// Package chaos runs consistency experiments against a live server: it measures a
// steady state, injects load, samples the system while the load runs and checks the
// hypothesis afterwards.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyStateInvalid aborts an experiment whose preconditions do not hold.
var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos engineering test.
type Experiment struct {
	Name       string
	Hypothesis string
	// Setup runs first and prepares the data the experiment works on.
	Setup       []Action
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Duration bounds the observation phase. Sampling stops early once every
	// Method action has returned.
	Duration       time.Duration
	SampleInterval time.Duration
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a load or fault injection step, or its undo.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the final observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data.
type Result struct {
	ExperimentName   string                 `json:"experimentName"`
	StartTime        time.Time              `json:"startTime"`
	EndTime          time.Time              `json:"endTime"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesisHeld"`
	SteadyStateValid bool                   `json:"steadyStateValid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"errorEvents"`
	FailedAssertions []string               `json:"failedAssertions,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metricName"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates experiments.
type Engine struct {
	tracer      trace.Tracer
	logger      *slog.Logger
	experiments []Experiment
	results     []Result
	mu          sync.Mutex
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("librashelf/chaos"),
		logger: logger,
	}
}

// Register adds an experiment to the suite.
func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns the results of every experiment run so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single experiment.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
	}

	span.AddEvent("setting_up")
	for _, action := range exp.Setup {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "setup failed")
			return result, fmt.Errorf("setup %s: %w", action.Type, err)
		}
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		span.SetStatus(codes.Error, "steady state invalid")
		e.rollback(ctx, exp, span)
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_load")
	var (
		wg         sync.WaitGroup
		errsMu     sync.Mutex
		methodErrs []ErrorEvent
	)
	for _, action := range exp.Method {
		wg.Add(1)
		go func(action Action) {
			defer wg.Done()
			if err := action.Execute(ctx); err != nil {
				errsMu.Lock()
				methodErrs = append(methodErrs, ErrorEvent{
					Timestamp: time.Now(),
					Error:     err.Error(),
					Component: action.Target,
				})
				errsMu.Unlock()
				span.RecordError(err)
			}
		}(action)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result, done)
	result.ErrorEvents = append(result.ErrorEvents, methodErrs...)

	// One last sample once the load is over; assertions judge this one.
	e.sample(ctx, exp, result)

	e.rollback(ctx, exp, span)

	span.AddEvent("validating_assertions")
	result.FailedAssertions = e.validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	if !result.HypothesisHeld {
		span.SetStatus(codes.Error, "hypothesis violated")
	}

	return result, nil
}

func (e *Engine) rollback(ctx context.Context, exp Experiment, span trace.Span) {
	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			e.logger.WarnContext(ctx, "rollback action failed", "experiment", exp.Name, "action", action.Type, "error", err)
		}
	}
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result, done <-chan struct{}) {
	interval := exp.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-observationCtx.Done():
			<-done
			return
		case <-done:
			return
		case <-ticker.C:
			e.sample(ctx, exp, result)
		}
	}
}

func (e *Engine) sample(ctx context.Context, exp Experiment, result *Result) {
	for _, metric := range exp.SteadyState {
		value, err := metric.Query(ctx)
		now := time.Now()
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: now,
				Error:     err.Error(),
				Component: metric.Name,
			})
			continue
		}

		result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})
		if !evaluateThreshold(value, metric.Threshold) {
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	var violations []MetricViolation

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "steady state query failed", "metric", metric.Name, "error", err)
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}

		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions returns the messages of the assertions that did not hold.
func (e *Engine) validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, assertion.Message+" (no observations)")
			continue
		}

		if !assertion.Condition(observations[len(observations)-1].Value) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

// GameDay runs a series of experiments in order.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	// Pause separates consecutive experiments.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario and reports whether all hypotheses held.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "starting game day", "name", gameDay.Name, "date", gameDay.Date, "scenarios", len(gameDay.Scenarios))

	allHeld := true
	for i, scenario := range gameDay.Scenarios {
		e.logger.InfoContext(ctx, "running experiment",
			"index", i+1,
			"total", len(gameDay.Scenarios),
			"experiment", scenario.Name,
			"hypothesis", scenario.Hypothesis,
		)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			allHeld = false
			e.logger.ErrorContext(ctx, "experiment failed", "experiment", scenario.Name, "error", err)
			continue
		}
		e.report(ctx, result)
		allHeld = allHeld && result.HypothesisHeld

		if gameDay.Pause > 0 && i < len(gameDay.Scenarios)-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}
	}

	return allHeld, nil
}

func (e *Engine) report(ctx context.Context, result *Result) {
	attrs := []any{
		"experiment", result.ExperimentName,
		"duration", result.Duration,
		"violations", len(result.Violations),
		"errors", len(result.ErrorEvents),
	}
	if result.HypothesisHeld {
		e.logger.InfoContext(ctx, "hypothesis held", attrs...)
		return
	}
	e.logger.ErrorContext(ctx, "hypothesis violated", append(attrs, "failed_assertions", result.FailedAssertions)...)
}
