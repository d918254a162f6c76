// ABOUTME: Server-initiated notifications pushed to the connection a request arrived on
// ABOUTME: Only streaming transports install a Notifier; plain HTTP requests have none

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Notifier delivers an encoded notification to the caller's connection.
type Notifier func(ctx context.Context, body []byte) error

type notifierCtxKey struct{}

// WithNotifier attaches n to ctx.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierCtxKey{}, n)
}

// Notify sends a notification for method to the connection serving ctx. It
// reports false when the request came in on a transport that cannot push.
func Notify(ctx context.Context, method string, params any) (bool, error) {
	n, ok := ctx.Value(notifierCtxKey{}).(Notifier)
	if !ok || n == nil {
		return false, nil
	}
	body, err := EncodeNotification(method, params)
	if err != nil {
		return true, err
	}
	return true, n(ctx, body)
}

// EncodeNotification renders a JSON-RPC notification envelope.
func EncodeNotification(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}
	return json.Marshal(Request{JSONRPC: Version, Method: method, Params: raw})
}
