//go:build windows

package server

import "syscall"

// sighup is never delivered on Windows, config reload is not available.
const sighup = syscall.SIGHUP
