// Unix/Darwin signals that stop the daemon.
//
// This file is compiled on all non-Windows platforms. Service managers
// (systemd, launchd) send SIGTERM; a terminal sends SIGINT.

//go:build !windows

package main

import (
	"os"
	"syscall"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// shutdownSignals stop the daemon: Ctrl+C and the SIGTERM sent by service
// managers.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
