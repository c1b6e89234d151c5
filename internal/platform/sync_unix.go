//go:build unix

// Package platform isolates the filesystem behavior that differs between
// operating systems.
package platform

import (
	"errors"
	"os"
	"syscall"
)

// SyncDir flushes directory metadata so that renames and unlinks inside dir
// survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // dir is the cache root chosen by the caller
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// IsCrossDevice reports whether err is a rename failure caused by source and
// target living on different filesystems.
func IsCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
