package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/httpproxy/internal/log"
)

// Prober actively checks Unhealthy targets and brings them back after one
// successful probe. With an empty Path a TCP connect is the probe, otherwise
// an HTTP GET of Path must answer below 400.
type Prober struct {
	Set      *Set
	Interval time.Duration
	Timeout  time.Duration
	Path     string
	Logger   logrus.FieldLogger

	client *http.Client
}

func (p *Prober) Run(ctx context.Context) {
	if p.Interval <= 0 {
		return
	}
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every Unhealthy target and returns how many recovered.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	recovered := 0
	for _, pool := range p.Set.Pools() {
		if pool.Health() != Unhealthy {
			continue
		}
		if err := p.probe(ctx, pool); err != nil {
			p.logger().WithField("target", pool.Address()).WithError(err).Debug("probe failed")
			continue
		}
		pool.MarkSuccess()
		recovered++
	}
	return recovered
}

func (p *Prober) probe(ctx context.Context, pool *Pool) error {
	if p.Path == "" {
		return pool.Probe(ctx)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+pool.Address()+p.Path, nil)
	if err != nil {
		return err
	}
	res, err := p.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode >= 400 {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return nil
}

func (p *Prober) httpClient() *http.Client {
	if p.client == nil {
		p.client = &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return p.client
}

func (p *Prober) logger() logrus.FieldLogger {
	if p.Logger == nil {
		return log.Discard()
	}
	return p.Logger
}
