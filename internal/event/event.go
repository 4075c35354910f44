// Package event carries per-request outcomes from the forwarding pipeline to
// observers. The pipeline only appends, it never reads events back.
package event

import (
	"time"
)

type Kind uint8

const (
	RouteMatched Kind = iota + 1
	RouteMissed
	UpstreamSelected
	Retry
	Completed
	Failed
)

var kindNames = [...]string{
	RouteMatched:     "route_matched",
	RouteMissed:      "route_missed",
	UpstreamSelected: "upstream_selected",
	Retry:            "retry",
	Completed:        "completed",
	Failed:           "failed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Error kinds reported with Failed events.
const (
	ErrRouteMiss        = "route_miss"
	ErrUnavailable      = "upstream_unavailable"
	ErrConnect          = "connect"
	ErrAcquireTimeout   = "acquire_timeout"
	ErrUpstream         = "upstream"
	ErrDeadline         = "deadline"
	ErrClientDisconnect = "client_disconnect"
	ErrRateLimited      = "rate_limited"
)

// Event is one outcome of one request. Fields that do not apply to Kind are
// left zero.
type Event struct {
	Kind       Kind
	Time       time.Time
	RequestID  string
	Method     string
	Host       string
	Path       string
	RemoteAddr string
	Route      string
	Target     string
	Attempt    int
	Status     int
	Latency    time.Duration
	BytesOut   int64
	ErrorKind  string
	Err        error
	State      string // pipeline state a failed request ended in
}

// Sink receives events. Emit is called on the request goroutine and must
// not block.
type Sink interface {
	Emit(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nop struct{}

func (nop) Emit(Event) {}

// Nop drops all events.
func Nop() Sink { return nop{} }

// Multi fans out to all sinks, nil entries are skipped.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	}
	return out
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
