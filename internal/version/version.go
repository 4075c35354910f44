package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/fabian4/httpproxy/internal/version.Value=..."
var (
	Value  = "dev"
	Commit = "none"
	Time   = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Value, Commit, Time, runtime.Version())
}
