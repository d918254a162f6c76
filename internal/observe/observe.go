// ABOUTME: Event model and fan-out Observer shared by auth, admission, dispatch and OAuth
// ABOUTME: A nil Observer discards events so callers never guard their emit calls

package observe

import "time"

// Kind names an event.
type Kind string

// Event kinds.
const (
	EventAuthFailure        Kind = "auth.failure"
	EventAuthSuccess        Kind = "auth.success"
	EventAdmissionRejected  Kind = "admission.rejected"
	EventRPCDispatched      Kind = "rpc.dispatched"
	EventIsolationViolation Kind = "isolation.violation"
	EventCodeReplayed       Kind = "oauth.code_replayed"
)

// Event is a single observation. Fields that do not apply to a kind are left
// empty.
type Event struct {
	Kind         Kind
	TenantID     string
	CredentialID string
	ClientID     string
	Transport    string
	Method       string
	// Reason is the machine-readable failure sub-kind, such as an auth error
	// kind.
	Reason   string
	Code     int
	Duration time.Duration
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(Event)
}

// Observer fans events out to its sinks.
type Observer struct {
	sinks []Sink
}

// New creates an Observer over sinks. Nil sinks are skipped.
func New(sinks ...Sink) *Observer {
	o := &Observer{}
	for _, s := range sinks {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
	return o
}

// Record delivers e to every sink.
func (o *Observer) Record(e Event) {
	if o == nil {
		return
	}
	for _, s := range o.sinks {
		s.Record(e)
	}
}

// CodeReplayed records a replayed authorization code.
func (o *Observer) CodeReplayed(clientID, tenantID string) {
	o.Record(Event{Kind: EventCodeReplayed, ClientID: clientID, TenantID: tenantID})
}
