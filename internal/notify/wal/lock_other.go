//go:build !unix

package wal

import "os"

// lockFile is a no-op where flock is unavailable; single-writer use is then
// the operator's responsibility.
func lockFile(*os.File) error { return nil }
