//go:build !unix

package collector

import "io/fs"

var errNoSuchProcess error = fs.ErrNotExist
