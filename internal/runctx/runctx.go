// Package runctx runs the long-lived parts of the process until a stop
// signal arrives or one of them fails.
package runctx

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/httpproxy/internal/log"
)

// DefaultStopSignals cancel a Group without Stop signals.
var DefaultStopSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGQUIT,
}

// Group runs functions concurrently. Their context is canceled when a stop
// signal is received or one of them returns an error, Run returns once all
// of them have returned.
type Group struct {
	Stop   []os.Signal
	Logger logrus.FieldLogger

	funcs []func(ctx context.Context) error
	traps map[os.Signal]func()
}

func (g *Group) Go(fn func(ctx context.Context) error) {
	g.funcs = append(g.funcs, fn)
}

// Trap calls fn on the goroutine of Run for every sig received. Trapped
// signals do not stop the group.
func (g *Group) Trap(sig os.Signal, fn func()) {
	if g.traps == nil {
		g.traps = make(map[os.Signal]func())
	}
	g.traps[sig] = fn
}

// Run returns the first error of the functions, stopping on a signal is not
// an error.
func (g *Group) Run(ctx context.Context) error {
	l := g.Logger
	if l == nil {
		l = log.Discard()
	}
	stop := g.Stop
	if len(stop) == 0 {
		stop = DefaultStopSignals
	}
	sigs := append([]os.Signal(nil), stop...)
	for sig := range g.traps {
		sigs = append(sigs, sig)
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	eg, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()
	for _, fn := range g.funcs {
		fn := fn
		eg.Go(func() error { return fn(gctx) })
	}
	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()

	for {
		select {
		case err := <-done:
			return err
		case sig := <-ch:
			if fn, ok := g.traps[sig]; ok {
				fn()
				continue
			}
			l.WithField("signal", sig.String()).Info("stopping")
			cancel()
		}
	}
}
