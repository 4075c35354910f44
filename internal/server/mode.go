package server

import (
	"fmt"
	"runtime"
)

// Concurrency modes.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// ApplyMode sets GOMAXPROCS for mode and returns the value in effect. In
// multi mode workers 0 means one per CPU. An empty mode leaves the runtime
// alone.
func ApplyMode(mode string, workers int) (int, error) {
	switch mode {
	case "":
		return runtime.GOMAXPROCS(0), nil
	case ModeSingle:
		runtime.GOMAXPROCS(1)
		return 1, nil
	case ModeMulti:
		if workers < 0 {
			return 0, fmt.Errorf("workers must not be negative, got %d", workers)
		}
		if workers == 0 {
			workers = runtime.NumCPU()
		}
		runtime.GOMAXPROCS(workers)
		return workers, nil
	default:
		return 0, fmt.Errorf("unknown mode %q, want %s or %s", mode, ModeSingle, ModeMulti)
	}
}
