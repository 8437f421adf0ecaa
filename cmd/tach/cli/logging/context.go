package logging

import (
	"context"
)

type contextKey int

const (
	runIDKey contextKey = iota
	componentKey
	phaseKey
)

// WithRun adds a run ID to the context.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithComponent names the subsystem logging under ctx, such as "oracle".
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// WithPhase adds the host lifecycle phase (configure, collect, execute, summary).
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// RunIDFromContext extracts the run ID from the context.
// Returns empty string if not set.
func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

// ComponentFromContext extracts the component name from the context.
func ComponentFromContext(ctx context.Context) string {
	return stringValue(ctx, componentKey)
}

// PhaseFromContext extracts the lifecycle phase from the context.
func PhaseFromContext(ctx context.Context) string {
	return stringValue(ctx, phaseKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
