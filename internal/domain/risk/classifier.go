package risk

import (
	"context"
)

// Classifier maps one tool call to an Assessment.
//
// callCtx is the merged call context (user_id, user_role, source, taint
// flags); it is read-only for implementations.
//
// Implementations must be side-effect-free and honor ctx deadlines; the
// caller enforces the classification budget. A classifier that cannot
// produce a verdict returns Unavailable(); classification failure is
// recovered locally, never propagated as an error.
type Classifier interface {
	Classify(ctx context.Context, tool string, args, callCtx map[string]interface{}) Assessment
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, tool string, args, callCtx map[string]interface{}) Assessment

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, tool string, args, callCtx map[string]interface{}) Assessment {
	return f(ctx, tool, args, callCtx)
}
