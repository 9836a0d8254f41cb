//go:build !linux

// Package preflight provides system requirement checks for the loop pool.
package preflight

import "github.com/containerd/errdefs"

// Check runs all preflight checks.
// On non-Linux platforms, this returns ErrNotImplemented.
func Check() error {
	return errdefs.ErrNotImplemented
}

// CheckLoopSupport verifies the kernel exposes the loop control device.
func CheckLoopSupport() error {
	return errdefs.ErrNotImplemented
}

// CheckSysfs verifies the virtual block device directory is accessible.
func CheckSysfs(dir string) error {
	return errdefs.ErrNotImplemented
}

// KernelVersion returns the current kernel version.
func KernelVersion() (string, error) {
	return "", errdefs.ErrNotImplemented
}
