// ABOUTME: Package observe records gateway security and dispatch events
// ABOUTME: Events fan out to a structured log sink and a Prometheus metrics sink

// Package observe is the gateway's observability hook.
//
// Components emit Event values through an *Observer, which fans them out to
// any number of sinks. Two sinks ship with the gateway: LogSink writes each
// event through log/slog, and Metrics maintains Prometheus counters and
// histograms served on the metrics endpoint.
//
// A nil *Observer is valid and drops every event, so components can take an
// optional observer without nil checks at each call site.
package observe
