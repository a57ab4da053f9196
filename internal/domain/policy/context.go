package policy

import "context"

type decisionKey struct{}

// WithDecision returns a context carrying the decision that authorized the
// current feature invocation.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the decision stored by WithDecision.
// ok is false when the context carries none.
func DecisionFromContext(ctx context.Context) (d Decision, ok bool) {
	d, ok = ctx.Value(decisionKey{}).(Decision)
	return d, ok
}
