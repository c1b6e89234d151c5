//go:build !unix

// Package platform isolates the filesystem behavior that differs between
// operating systems.
package platform

import (
	"errors"
	"os"
)

// SyncDir is a no-op on systems that cannot fsync a directory handle.
func SyncDir(string) error {
	return nil
}

// IsCrossDevice reports whether err is a rename failure. Without a portable
// EXDEV check every link error is treated as a reason to fall back to copying.
func IsCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr)
}
