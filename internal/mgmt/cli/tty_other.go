//go:build !linux

package cli

import "os"

// isTerminal always reports false on platforms without the TCGETS ioctl;
// the raw-socket NIC port is Linux-only already, so this path only
// matters for internal/nic's LoopbackPort-backed builds.
func isTerminal(f *os.File) bool { return false }
