package event

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti(t *testing.T) {
	var a, b []Kind
	s := Multi(
		SinkFunc(func(e Event) { a = append(a, e.Kind) }),
		nil,
		SinkFunc(func(e Event) { b = append(b, e.Kind) }),
	)
	s.Emit(Event{Kind: RouteMatched})
	s.Emit(Event{Kind: Completed})

	want := []Kind{RouteMatched, Completed}
	assert.Equal(t, want, a)
	assert.Equal(t, want, b)

	_, isNop := Multi(nil, nil).(nop)
	assert.True(t, isNop)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "upstream_selected", UpstreamSelected.String())
	assert.Equal(t, "unknown", Kind(0).String())
	assert.Equal(t, "unknown", Kind(200).String())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	s := NewLogSink(l)
	s.Emit(Event{
		Kind:      Completed,
		RequestID: "abc",
		Method:    "GET",
		Path:      "/x",
		Route:     "api",
		Status:    200,
		Latency:   15 * time.Millisecond,
		BytesOut:  2048,
	})
	s.Emit(Event{
		Kind:      Failed,
		RequestID: "def",
		Status:    503,
		ErrorKind: ErrUnavailable,
		Err:       errors.New("no healthy upstream"),
	})
	// debug is below the default level
	s.Emit(Event{Kind: RouteMatched})

	out := buf.String()
	require.Contains(t, out, `"msg":"request completed"`)
	require.Contains(t, out, `"bytes":"2.0 kB"`)
	require.Contains(t, out, `"route":"api"`)
	require.Contains(t, out, `"error_kind":"upstream_unavailable"`)
	require.Contains(t, out, `"error":"no healthy upstream"`)
	require.NotContains(t, out, "route_matched")
}
