package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fabian4/httpproxy/internal/lb"
)

var absPath = regexp.MustCompile(`^/`)

// Validate checks the cross-field constraints that the loader does not.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Listen,
			validation.Required,
			validation.Each(validation.Required, validation.By(validateHostPort)),
		),
		validation.Field(&c.Upstream),
		validation.Field(&c.Policy),
		validation.Field(&c.Gateway),
		validation.Field(&c.Registry),
		validation.Field(&c.Limits),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for name, s := range c.Services {
		if _, err := lb.ParseStrategy(s.Strategy); err != nil {
			return fmt.Errorf("services[%s]: %w", name, err)
		}
	}
	for i, r := range c.Routes {
		if r.MaxAttempts < 0 {
			return fmt.Errorf("routes[%d]: max_attempts must not be negative", i)
		}
		if rl := r.RateLimit; rl != nil && (rl.RequestsPerSecond <= 0 || rl.Burst < 1) {
			return fmt.Errorf("routes[%d]: rate_limit needs positive requests_per_second and burst", i)
		}
	}
	if c.Policy.RouteMiss == MissDefaultService {
		if _, ok := c.Services[c.Policy.DefaultService]; !ok {
			return fmt.Errorf("policy.default_service: service %q not found in services", c.Policy.DefaultService)
		}
	}
	return nil
}

func (u Upstream) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.MaxConnsPerTarget, validation.Required, validation.Min(1)),
		validation.Field(&u.MaxIdlePerTarget, validation.Min(0)),
		validation.Field(&u.UnhealthyThreshold, validation.Required, validation.Min(1)),
		validation.Field(&u.DialTimeout, validation.Required),
		validation.Field(&u.HealthPath, validation.Match(absPath)),
	)
}

func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.RouteMiss, validation.Required, validation.In(MissNotFound, MissBadGateway, MissDefaultService)),
		validation.Field(&p.DefaultService, validation.When(p.RouteMiss == MissDefaultService, validation.Required)),
		validation.Field(&p.UnavailableStatus, validation.Min(400), validation.Max(599)),
		validation.Field(&p.RequestIDHeader, validation.Required),
		validation.Field(&p.MaxAttempts, validation.Required, validation.Min(1), validation.Max(5)),
	)
}

func (g Gateway) Validate() error {
	return validation.ValidateStruct(&g,
		validation.Field(&g.Path, validation.When(g.Enabled, validation.Required, validation.Match(absPath))),
	)
}

func (r Registry) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Store, validation.Required, validation.In(StoreMemory, StoreRedis)),
		validation.Field(&r.Redis, validation.By(func(any) error {
			if r.Store == StoreRedis && r.Redis.Addr == "" {
				return errors.New("addr is required for the redis store")
			}
			return nil
		})),
	)
}

func (l Limits) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.MaxConnections, validation.Min(0)),
	)
}

func validateHostPort(value any) error {
	s, _ := value.(string)
	if _, _, err := net.SplitHostPort(s); err != nil {
		return validation.NewError("validation_invalid_host_port", "must be host:port")
	}
	return nil
}
