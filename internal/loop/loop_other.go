//go:build !linux

// Package loop provides functions for querying and managing Linux loop devices.
package loop

import (
	"os"

	"github.com/containerd/errdefs"
)

// Status retrieves the current loop info for an open loop device descriptor.
func Status(f *os.File) (*Info64, error) {
	return nil, errdefs.ErrNotImplemented
}

// BackingIdentity returns the kernel-recorded (device, inode) pair of the
// backing file bound to the loop device open on f.
func BackingIdentity(f *os.File) (device, inode uint64, err error) {
	return 0, 0, errdefs.ErrNotImplemented
}

// Attach binds a free loop device to the given backing file.
func Attach(backingFile string, cfg Config) (*Device, error) {
	return nil, errdefs.ErrNotImplemented
}

// Detach unbinds the loop device at the given path.
func Detach(loopPath string) error {
	return errdefs.ErrNotImplemented
}
