//go:build !unix

package main

import (
	"errors"
	"io"
)

const daemonEnv = "HTTPPROXY_DAEMONIZED"

func daemonize(io.Writer) error {
	return errors.New("daemon: not supported on this platform")
}
