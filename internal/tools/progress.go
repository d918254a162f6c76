// ABOUTME: Progress reporting hook handlers use for long-running tool calls
// ABOUTME: Reports are dropped unless the caller asked for progress on a streaming connection

package tools

import "context"

// Progress is one progress report. Total is zero when unknown.
type Progress struct {
	Progress float64
	Total    float64
	Message  string
}

// ProgressFunc receives progress reports for one call.
type ProgressFunc func(ctx context.Context, p Progress)

type progressCtxKey struct{}

// WithProgress installs fn as the progress sink for calls made with ctx.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressCtxKey{}, fn)
}

// ReportProgress sends p to the call's progress sink, if there is one.
func ReportProgress(ctx context.Context, p Progress) {
	if fn, ok := ctx.Value(progressCtxKey{}).(ProgressFunc); ok && fn != nil {
		fn(ctx, p)
	}
}
