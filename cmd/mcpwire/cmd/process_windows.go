//go:build windows

package cmd

import "os"

// gracefulSignals returns the signals that trigger graceful shutdown.
// Windows only delivers os.Interrupt reliably; SIGTERM does not exist.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
