//go:build !windows

// Package rlimit raises the process's open-file-descriptor ceiling at
// startup. Failure is logged, not fatal — the proxy can
// still run, just with fewer concurrent connections than ideal.
package rlimit

import (
	"log/slog"
	"syscall"
)

// RaiseNOFILE attempts to raise RLIMIT_NOFILE to its hard maximum.
func RaiseNOFILE(logger *slog.Logger) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn("could not read file descriptor limit", "error", err)
		return
	}
	if limit.Cur >= limit.Max {
		return
	}

	prev := limit.Cur
	limit.Cur = limit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn("could not raise file descriptor limit", "error", err, "current", prev, "attempted", limit.Max)
		return
	}
	logger.Debug("raised file descriptor limit", "from", prev, "to", limit.Max)
}
