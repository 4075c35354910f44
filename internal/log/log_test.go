package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxSizeMB(t *testing.T) {
	tests := map[string]int{
		"10m":    10,
		"10MiB":  10,
		"1k":     1,
		"1.5GiB": 1536,
	}
	for in, want := range tests {
		got, err := MaxSizeMB(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := MaxSizeMB("lots")
	require.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "logs", "proxy.log")
	l, err := New(Config{Level: "debug", Format: "json", File: fp, MaxSize: "1m", NoConsole: true})
	require.NoError(t, err)

	l.WithField("route", "api").Info("hello")
	require.NoError(t, l.Close())

	b, err := os.ReadFile(fp)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), `"route":"api"`), string(b))
	require.True(t, strings.Contains(string(b), `"msg":"hello"`), string(b))
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
}
