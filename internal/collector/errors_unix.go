//go:build unix

package collector

import "golang.org/x/sys/unix"

// errNoSuchProcess is what signalling or reading a reaped process yields.
var errNoSuchProcess error = unix.ESRCH
