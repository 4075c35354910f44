package event

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// LogSink writes access log lines for Completed and Failed events, the other
// kinds are logged at debug level.
type LogSink struct {
	Logger logrus.FieldLogger
}

func NewLogSink(l logrus.FieldLogger) *LogSink {
	return &LogSink{Logger: l}
}

func (s *LogSink) Emit(e Event) {
	f := logrus.Fields{
		"event":  e.Kind.String(),
		"id":     e.RequestID,
		"method": e.Method,
		"host":   e.Host,
		"path":   e.Path,
	}
	if e.Route != "" {
		f["route"] = e.Route
	}
	if e.Target != "" {
		f["target"] = e.Target
	}

	switch e.Kind {
	case Completed:
		f["status"] = e.Status
		f["duration_ms"] = e.Latency.Milliseconds()
		f["bytes"] = humanize.Bytes(uint64(max(e.BytesOut, 0)))
		f["remote"] = e.RemoteAddr
		s.Logger.WithFields(f).Info("request completed")
	case Failed:
		f["status"] = e.Status
		f["duration_ms"] = e.Latency.Milliseconds()
		f["error_kind"] = e.ErrorKind
		f["state"] = e.State
		f["remote"] = e.RemoteAddr
		l := s.Logger.WithFields(f)
		if e.Err != nil {
			l = l.WithError(e.Err)
		}
		if e.ErrorKind == ErrClientDisconnect {
			l.Info("request aborted")
		} else {
			l.Warn("request failed")
		}
	case Retry:
		f["attempt"] = e.Attempt
		l := s.Logger.WithFields(f)
		if e.Err != nil {
			l = l.WithError(e.Err)
		}
		l.Info("retrying request")
	default:
		s.Logger.WithFields(f).Debug(e.Kind.String())
	}
}
