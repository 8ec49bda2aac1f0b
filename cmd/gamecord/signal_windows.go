// Windows signals that stop the daemon.
//
// This file is compiled only on Windows, where only os.Interrupt exists.

//go:build windows

package main

import "os"

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// shutdownSignals stop the daemon. Windows has no SIGTERM; the runtime maps
// Ctrl+Break and console close to os.Interrupt.
var shutdownSignals = []os.Signal{os.Interrupt}
