package dkim

import (
	"context"
	"net"
)

type contextKey string

const traceKey contextKey = "trace"

func trace(ctx context.Context, f string, args ...interface{}) {
	traceFunc, ok := ctx.Value(traceKey).(TraceFunc)
	if !ok {
		return
	}
	traceFunc(f, args...)
}

// TraceFunc is the type of the function used for debug tracing.
type TraceFunc func(f string, a ...interface{})

// WithTraceFunc returns a context that uses the given function for debug
// tracing.
func WithTraceFunc(ctx context.Context, trace TraceFunc) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}

const lookupTXTKey contextKey = "lookupTXT"

func lookupTXT(ctx context.Context, domain string) ([]string, error) {
	// The context carries the cancellation of the whole verification:
	// once it is done, we return without touching any per-message state.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lookupTXTFunc, ok := ctx.Value(lookupTXTKey).(lookupTXTFunc)
	if !ok {
		return net.DefaultResolver.LookupTXT(ctx, domain)
	}
	return lookupTXTFunc(ctx, domain)
}

type lookupTXTFunc func(ctx context.Context, domain string) ([]string, error)

// WithLookupTXTFunc returns a context that uses the given function to
// look up DNS TXT records; for testing.
func WithLookupTXTFunc(ctx context.Context, lookupTXT lookupTXTFunc) context.Context {
	return context.WithValue(ctx, lookupTXTKey, lookupTXT)
}

const maxHeadersKey contextKey = "maxHeaders"

// WithMaxHeaders returns a context that caps the number of
// DKIM-Signature headers evaluated on a single message.
func WithMaxHeaders(ctx context.Context, maxHeaders int) context.Context {
	return context.WithValue(ctx, maxHeadersKey, maxHeaders)
}

func maxHeaders(ctx context.Context) int {
	maxHeaders, ok := ctx.Value(maxHeadersKey).(int)
	if !ok {
		// By default, cap the number of signatures to 5 (arbitrarily
		// chosen, may be adjusted in the future).
		return 5
	}
	return maxHeaders
}
