//go:build linux

package cli

import (
	"os"

	"golang.org/x/sys/unix"
)

// isTerminal reports whether f is attached to an interactive terminal, by
// attempting the TCGETS ioctl every real tty answers and every other
// character device (e.g. /dev/null) fails with ENOTTY.
func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
