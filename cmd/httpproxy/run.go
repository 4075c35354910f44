package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabian4/httpproxy/internal/config"
	"github.com/fabian4/httpproxy/internal/log"
	"github.com/fabian4/httpproxy/internal/runctx"
	"github.com/fabian4/httpproxy/internal/server"
	"github.com/fabian4/httpproxy/internal/version"
)

type runCmd struct {
	configFile  string
	listen      []string
	mode        string
	workers     int
	daemon      bool
	gwPath      string
	apiAddress  string
	connTimeout time.Duration
	log         log.Config
}

func runCommand() *cobra.Command {
	c := &runCmd{
		mode: server.ModeSingle,
		log:  log.DefaultConfig(),
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&c.configFile, "config-file", "c", c.configFile, "route table `path` (YAML), watched for changes")
	fs.StringSliceVarP(&c.listen, "listen", "l", c.listen, "listen `address` overriding the config entrypoints, can be repeated")
	fs.StringVar(&c.mode, "mode", c.mode, "scheduling mode, single or multi")
	fs.IntVarP(&c.workers, "workers", "t", c.workers, "worker threads in multi mode, 0 means number of CPUs")
	fs.BoolVar(&c.daemon, "daemon", c.daemon, "detach from the terminal and run in the background")
	fs.StringVarP(&c.gwPath, "gw-path", "p", c.gwPath, "path prefix of the gateway API")
	fs.StringVar(&c.apiAddress, "api-address", c.apiAddress, "admin API listen `address`, empty disables it")
	fs.DurationVar(&c.connTimeout, "conn-timeout", c.connTimeout, "upstream connect timeout overriding the config")
	fs.StringVarP(&c.log.Level, "log-level", "L", c.log.Level, "log level, trace, debug, info, warn or error")
	fs.StringVar(&c.log.Format, "log-format", c.log.Format, "log format, text or json")
	fs.StringVarP(&c.log.File, "log-file", "F", c.log.File, "log file `path`")
	fs.StringVarP(&c.log.MaxSize, "log-max", "M", c.log.MaxSize, "rotate the log file after this size, e.g. 10m")
	fs.IntVar(&c.log.MaxBackups, "log-backups", c.log.MaxBackups, "rotated log files to keep")
	fs.BoolVar(&c.log.NoConsole, "no-console", c.log.NoConsole, "do not log to stderr")
	appendEnvToUsage(fs, envPrefix)

	return cmd
}

func (c *runCmd) run(cmd *cobra.Command) error {
	if c.daemon && os.Getenv(daemonEnv) == "" {
		return daemonize(cmd.OutOrStdout())
	}

	logger, err := log.New(c.log)
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	workers, err := server.ApplyMode(c.mode, c.workers)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Config:      cfg,
		ConfigPath:  c.configFile,
		Listen:      c.listen,
		GatewayPath: c.gwPath,
		APIAddress:  c.apiAddress,
		Logger:      logger.Logger,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version": version.Value,
		"mode":    c.mode,
		"workers": workers,
		"routes":  len(cfg.Routes),
	}).Info("starting httpproxy")

	g := &runctx.Group{Logger: logger.WithField("component", "main")}
	g.Trap(syscall.SIGHUP, func() {
		if err := logger.Rotate(); err != nil {
			logger.WithError(err).Warn("rotating log file")
		}
		if c.configFile == "" {
			return
		}
		if err := srv.ReloadFile(); err != nil {
			logger.WithError(err).Warn("config reload failed, keeping the current one")
		}
	})
	g.Go(srv.Run)
	return g.Run(context.Background())
}

func (c *runCmd) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if c.configFile != "" {
		var err error
		if cfg, err = config.Load(c.configFile); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if c.connTimeout > 0 {
		cfg.Upstream.DialTimeout = c.connTimeout
	}
	return cfg, nil
}
