package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
	"github.com/erpkernel/erpkernel/internal/domain/policy"
	"github.com/erpkernel/erpkernel/internal/domain/session"
)

const (
	// DefaultExecutionTimeout bounds a feature's execute callback.
	DefaultExecutionTimeout = 10 * time.Second
	// DefaultAuditTimeout bounds a single audit write.
	DefaultAuditTimeout = 5 * time.Second

	anonymousActor = "anonymous"
	tracerName     = "github.com/erpkernel/erpkernel/internal/domain/kernel"
)

// Observer receives pipeline measurements.
// This interface is satisfied by metrics.Metrics.
type Observer interface {
	ObserveDecision(resource, action string, decision policy.Decision)
	ObserveExecution(feature string, outcome string, kind Kind, elapsed time.Duration)
	ObserveAuditWrite(err error)
}

type noopObserver struct{}

func (noopObserver) ObserveDecision(string, string, policy.Decision)      {}
func (noopObserver) ObserveExecution(string, string, Kind, time.Duration) {}
func (noopObserver) ObserveAuditWrite(error)                              {}

// Pipeline orchestrates feature execution. It holds no per-call state and
// is safe for concurrent use; each Execute call carries its own context
// snapshot.
type Pipeline struct {
	epochs         session.EpochSource
	sink           audit.Sink
	logger         *slog.Logger
	observer       Observer
	tracer         trace.Tracer
	clock          func() time.Time
	newID          func() string
	defaultTimeout time.Duration
	auditTimeout   time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock overrides the clock used for audit timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithIDGenerator overrides the invocation correlation ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// WithDefaultTimeout sets the execution bound for features that declare
// none. Non-positive values are ignored.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.defaultTimeout = d
		}
	}
}

// WithAuditTimeout sets the bounded wait for a single audit write.
// Non-positive values are ignored. With a batching sink, an event whose
// wait expires while still queued is withdrawn rather than written late.
func WithAuditTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.auditTimeout = d
		}
	}
}

// NewPipeline creates a Pipeline that checks context freshness against
// epochs and records one event per invocation into sink.
func NewPipeline(epochs session.EpochSource, sink audit.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		epochs:         epochs,
		sink:           sink,
		logger:         slog.Default(),
		observer:       noopObserver{},
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		clock:          time.Now,
		newID:          uuid.NewString,
		defaultTimeout: DefaultExecutionTimeout,
		auditTimeout:   DefaultAuditTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultTimeout returns the execution bound applied to features that
// declare none.
func (p *Pipeline) DefaultTimeout() time.Duration {
	return p.defaultTimeout
}

type inFlightKey struct{}

// Execute runs def for the actor in ec. call is the resource/action the
// caller asserts it is invoking and must match the definition.
//
// Steps run strictly in order and the first failure short-circuits the
// rest: identity alignment, context validation, scope resolution, RBAC,
// business execution, audit emission. Every outcome is audited exactly
// once except an identity mismatch, which indicates miswired code rather
// than a runtime authorization event and returns before anything is
// recorded.
//
// A failed audit write never undoes a successful execution: the result is
// returned together with a KindAuditWrite error.
func Execute[In, Out any](ctx context.Context, p *Pipeline, call Call, def *Definition[In, Out], ec session.ExecutionContext, in In) (Out, error) {
	var zero Out
	if p == nil {
		return zero, &Error{Kind: KindInvariantViolation, Reason: ErrNilPipeline.Error(), Cause: ErrNilPipeline}
	}
	if def == nil {
		return zero, p.misaligned("", call, ErrNilDefinition)
	}
	if def.resource != call.Resource || def.action != call.Action {
		return zero, p.misaligned(def.name, call,
			fmt.Errorf("%w: defined %s.%s, invoked %s", ErrIdentityMismatch, def.resource, def.action, call))
	}

	ctx, inv := p.begin(ctx, def.name, def.kind, def.resource, def.action, ec)
	inv.stage = StageIdentityChecked

	if ctx.Value(inFlightKey{}) != nil {
		return zero, inv.fail(ctx, KindInvariantViolation, ErrNestedExecution, ErrNestedExecution.Error())
	}
	ctx = context.WithValue(ctx, inFlightKey{}, inv.id)

	if err := cancelled(ctx); err != nil {
		return zero, inv.fail(ctx, KindFeatureExecution, err, ErrCancelled.Error())
	}
	if err := p.validateContext(ctx, ec); err != nil {
		// A lookup aborted by the caller's context is a cancellation, not
		// a stale session.
		if cerr := cancelled(ctx); cerr != nil {
			return zero, inv.fail(ctx, KindFeatureExecution, cerr, ErrCancelled.Error())
		}
		return zero, inv.fail(ctx, KindStaleContext, err, "stale execution context")
	}
	inv.stage = StageContextValid

	scope, err := resolveScope(def, ec, in)
	if err != nil {
		return zero, inv.fail(ctx, KindInvariantViolation, err, err.Error())
	}
	inv.scope = scope
	inv.stage = StageScoped

	decision := policy.Evaluate(ec.Role(), def.resource, def.action, scope)
	inv.decision = decision
	p.observer.ObserveDecision(def.resource, def.action, decision)
	if !decision.Allowed {
		return zero, inv.fail(ctx, KindForbidden, nil, decision.Reason)
	}
	inv.stage = StageAuthorized

	out, err := runBounded(policy.WithDecision(ctx, decision), def, ec, in, p.timeoutFor(def.timeout))
	if err != nil {
		inv.cause = err
		return zero, inv.fail(ctx, KindFeatureExecution, err, executionReason(err))
	}
	inv.stage = StageExecuted

	if err := inv.succeed(ctx); err != nil {
		return out, err
	}
	return out, nil
}

func (p *Pipeline) timeoutFor(featureTimeout time.Duration) time.Duration {
	if featureTimeout > 0 {
		return featureTimeout
	}
	return p.defaultTimeout
}

// misaligned reports an identity-alignment failure. It is logged verbatim
// and counted but never audited.
func (p *Pipeline) misaligned(feature string, call Call, cause error) *Error {
	kerr := &Error{
		Kind:    KindInvariantViolation,
		Feature: feature,
		Stage:   StagePending,
		Reason:  cause.Error(),
		Cause:   cause,
	}
	p.logger.Error("feature identity misaligned",
		"feature", feature,
		"invoked", call.String(),
		"error", cause,
	)
	p.observer.ObserveExecution(feature, "misaligned", KindInvariantViolation, 0)
	return kerr
}

// validateContext fails closed: an epoch that cannot be looked up makes the
// context stale.
func (p *Pipeline) validateContext(ctx context.Context, ec session.ExecutionContext) error {
	if ec.IsZero() {
		return session.Validate(ec, 0)
	}
	principalID := ec.Principal().ID()
	if p.epochs == nil {
		return &session.StaleContextError{
			PrincipalID:  principalID,
			ContextEpoch: ec.AuthEpoch(),
			Cause:        errors.New("no epoch source configured"),
		}
	}
	current, err := p.epochs.CurrentEpoch(ctx, principalID)
	if err != nil {
		return &session.StaleContextError{
			PrincipalID:  principalID,
			ContextEpoch: ec.AuthEpoch(),
			Cause:        err,
		}
	}
	return session.Validate(ec, current)
}

func resolveScope[In, Out any](def *Definition[In, Out], ec session.ExecutionContext, in In) (scope policy.Scope, err error) {
	if def.scope == nil {
		return policy.Scope{}, ErrMissingScopeResolver
	}
	defer func() {
		if r := recover(); r != nil {
			scope = policy.Scope{}
			err = fmt.Errorf("%w: %w: resolver panicked: %v", ErrMissingScopeResolver, ErrUnresolvedScope, r)
		}
	}()
	scope, err = def.scope(ec, in)
	if err != nil {
		if errors.Is(err, ErrUnresolvedScope) {
			return policy.Scope{}, fmt.Errorf("%w: %w", ErrMissingScopeResolver, err)
		}
		return policy.Scope{}, fmt.Errorf("%w: %w: %w", ErrMissingScopeResolver, ErrUnresolvedScope, err)
	}
	if scope.IsZero() {
		return policy.Scope{}, fmt.Errorf("%w: %w", ErrMissingScopeResolver, ErrUnresolvedScope)
	}
	return scope, nil
}

// runBounded invokes the business callback under timeout. A callback that
// ignores its context is abandoned when the bound expires; its eventual
// result is discarded.
func runBounded[In, Out any](ctx context.Context, def *Definition[In, Out], ec session.ExecutionContext, in In, timeout time.Duration) (Out, error) {
	var zero Out
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out Out
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrFeaturePanic, r)}
			}
		}()
		out, err := def.execute(runCtx, ec, in)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.out, nil
		}
		if runCtx.Err() != nil && errors.Is(r.err, runCtx.Err()) {
			return zero, boundError(ctx, timeout, r.err)
		}
		return zero, r.err
	case <-runCtx.Done():
		return zero, boundError(ctx, timeout, runCtx.Err())
	}
}

// cancelled returns ErrCancelled wrapping ctx.Err() once ctx is done.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

func boundError(parent context.Context, timeout time.Duration, cause error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return fmt.Errorf("%w after %s: %w", ErrTimedOut, timeout, cause)
}

func executionReason(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return ErrCancelled.Error()
	case errors.Is(err, ErrTimedOut):
		return ErrTimedOut.Error()
	case errors.Is(err, ErrFeaturePanic):
		return ErrFeaturePanic.Error()
	default:
		return "feature execution failed"
	}
}

// invocation is the per-call state of one Execute.
type invocation struct {
	p        *Pipeline
	id       string
	feature  string
	kind     FeatureKind
	resource string
	action   string
	ec       session.ExecutionContext
	started  time.Time
	stage    Stage
	scope    policy.Scope
	decision policy.Decision
	cause    error
	span     trace.Span
}

func (p *Pipeline) begin(ctx context.Context, feature string, kind FeatureKind, resource, action string, ec session.ExecutionContext) (context.Context, *invocation) {
	inv := &invocation{
		p:        p,
		id:       p.newID(),
		feature:  feature,
		kind:     kind,
		resource: resource,
		action:   action,
		ec:       ec,
		started:  time.Now(),
		stage:    StagePending,
	}
	ctx, inv.span = p.tracer.Start(ctx, "kernel.Execute", trace.WithAttributes(
		attribute.String("kernel.invocation_id", inv.id),
		attribute.String("kernel.feature", feature),
		attribute.String("kernel.feature_kind", string(kind)),
		attribute.String("kernel.resource", resource),
		attribute.String("kernel.action", action),
	))
	return ctx, inv
}

func (inv *invocation) fail(ctx context.Context, kind Kind, cause error, reason string) *Error {
	kerr := &Error{
		Kind:    kind,
		Feature: inv.feature,
		Stage:   inv.stage,
		Reason:  reason,
		Cause:   cause,
	}
	if err := inv.emit(ctx, audit.EventFeatureFailed, reason, kind); err != nil {
		kerr.AuditErr = err
	}
	inv.finish(StageFailed, kerr)
	return kerr
}

func (inv *invocation) succeed(ctx context.Context) error {
	if err := inv.emit(ctx, audit.EventFeatureSucceeded, inv.decision.Reason, ""); err != nil {
		kerr := &Error{
			Kind:    KindAuditWrite,
			Feature: inv.feature,
			Stage:   inv.stage,
			Reason:  "audit write failed",
			Cause:   err,
		}
		inv.finish(StageFailed, kerr)
		return kerr
	}
	inv.finish(StageDone, nil)
	return nil
}

// emit records the invocation's single audit event under a bounded wait
// that survives caller cancellation.
func (inv *invocation) emit(ctx context.Context, eventType, reason string, kind Kind) error {
	p := inv.p
	event := audit.Event{
		ID:        inv.id,
		Type:      eventType,
		Actor:     anonymousActor,
		Target:    inv.target(),
		Reason:    reason,
		Timestamp: p.clock().UTC(),
		Details:   inv.details(kind),
	}
	if !inv.ec.IsZero() {
		event.Actor = inv.ec.Principal().ID()
	}

	err := p.record(ctx, event)
	p.observer.ObserveAuditWrite(err)
	if err != nil {
		return err
	}
	inv.stage = StageAudited
	return nil
}

func (p *Pipeline) record(ctx context.Context, event audit.Event) error {
	if p.sink == nil {
		return &audit.WriteError{Cause: errors.New("no audit sink configured")}
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.auditTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.sink.Record(writeCtx, event)
	}()
	select {
	case err := <-done:
		return err
	case <-writeCtx.Done():
		return &audit.WriteError{Cause: fmt.Errorf("%w after %s", ErrTimedOut, p.auditTimeout)}
	}
}

func (inv *invocation) target() string {
	if inv.scope.ID != "" {
		return inv.resource + ":" + inv.scope.ID
	}
	return inv.resource
}

func (inv *invocation) details(kind Kind) map[string]string {
	d := map[string]string{
		audit.DetailFeature:  inv.feature,
		audit.DetailKind:     string(inv.kind),
		audit.DetailResource: inv.resource,
		audit.DetailAction:   inv.action,
		audit.DetailScope:    inv.scope.String(),
		audit.DetailStage:    inv.stage.String(),
		audit.DetailDuration: strconv.FormatInt(time.Since(inv.started).Milliseconds(), 10),
	}
	if !inv.ec.IsZero() {
		d[audit.DetailRole] = string(inv.ec.Role())
		d[audit.DetailEpoch] = strconv.FormatInt(inv.ec.AuthEpoch(), 10)
	}
	if inv.decision.Rule != "" {
		d[audit.DetailRule] = inv.decision.Rule
	}
	if kind != "" {
		d[audit.DetailErrorKind] = string(kind)
	}
	if inv.cause != nil {
		d["cause"] = inv.cause.Error()
	}
	return d
}

func (inv *invocation) finish(terminal Stage, kerr *Error) {
	p := inv.p
	elapsed := time.Since(inv.started)
	outcome := "succeeded"
	var kind Kind
	if kerr != nil {
		outcome = "failed"
		kind = kerr.Kind
	}
	p.observer.ObserveExecution(inv.feature, outcome, kind, elapsed)

	inv.span.SetAttributes(
		attribute.String("kernel.stage", terminal.String()),
		attribute.String("kernel.outcome", outcome),
	)
	if kerr != nil {
		inv.span.SetAttributes(attribute.String("kernel.error_kind", string(kind)))
		inv.span.RecordError(kerr)
		inv.span.SetStatus(codes.Error, string(kind))
	} else {
		inv.span.SetStatus(codes.Ok, "")
	}
	inv.span.End()

	attrs := []any{
		"invocation_id", inv.id,
		"feature", inv.feature,
		"stage", terminal.String(),
		"duration", elapsed,
	}
	if !inv.ec.IsZero() {
		attrs = append(attrs, "actor", inv.ec.Principal().ID(), "role", string(inv.ec.Role()))
	}
	switch {
	case kerr == nil:
		p.logger.Debug("feature executed", attrs...)
	case kerr.Kind == KindInvariantViolation, kerr.Kind == KindAuditWrite, kerr.AuditErr != nil:
		p.logger.Error("feature failed", append(attrs, "kind", string(kind), "error", kerr)...)
	default:
		p.logger.Warn("feature failed", append(attrs, "kind", string(kind), "reason", kerr.Reason)...)
	}
}
