package handler

// State is the position of a request in the forwarding pipeline.
type State uint8

const (
	ReceivedHeaders State = iota
	RouteSelected
	UpstreamAcquired
	RequestSent
	ResponseHeadersReceived
	BodyRelaying
	Completed
	Aborted
)

var stateNames = [...]string{
	ReceivedHeaders:         "received_headers",
	RouteSelected:           "route_selected",
	UpstreamAcquired:        "upstream_acquired",
	RequestSent:             "request_sent",
	ResponseHeadersReceived: "response_headers_received",
	BodyRelaying:            "body_relaying",
	Completed:               "completed",
	Aborted:                 "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
