package tools

import "context"

// Per-call values travel through context rather than mutable tool
// fields so tools stay safe for concurrent execution.

type toolContextKey string

const ctxCwd toolContextKey = "tool_cwd"

// WithCwd sets the working directory file and shell tools resolve
// relative paths against.
func WithCwd(ctx context.Context, cwd string) context.Context {
	return context.WithValue(ctx, ctxCwd, cwd)
}

func CwdFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxCwd).(string)
	return v
}
