//go:build windows

package rlimit

import "log/slog"

// RaiseNOFILE is a no-op on Windows, which has no RLIMIT_NOFILE concept.
func RaiseNOFILE(logger *slog.Logger) {}
