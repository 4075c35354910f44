//go:build unix

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

const daemonEnv = "HTTPPROXY_DAEMONIZED"

// daemonize starts a copy of the process in a new session and returns.
func daemonize(w io.Writer) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	fmt.Fprintf(w, "httpproxy started in background, pid %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}
