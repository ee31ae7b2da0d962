package eventlog

import "context"

type scopeKey struct{}

// WithScope pushes a named scope onto the context's trace stack. Scopes
// nest naturally with the context tree; the copy keeps sibling branches
// independent.
func WithScope(ctx context.Context, scope string) context.Context {
	parent := Scopes(ctx)
	stack := make([]string, len(parent)+1)
	copy(stack, parent)
	stack[len(parent)] = scope
	return context.WithValue(ctx, scopeKey{}, stack)
}

// Scopes returns the trace stack, outermost first. Nil when none.
func Scopes(ctx context.Context) []string {
	stack, _ := ctx.Value(scopeKey{}).([]string)
	return stack
}
