// Package preflight provides system requirement checks for the loop pool.
package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/QubesOS/qubes-core-admin-sub004/internal/sysfs"
)

// LoopControlPath is the loop control device node used to allocate devices.
const LoopControlPath = "/dev/loop-control"

// Check runs all preflight checks and returns an error if any fail.
// This should be called early in main() to fail fast.
func Check() error {
	if err := CheckLoopSupport(); err != nil {
		return err
	}
	if err := CheckSysfs(sysfs.DefaultDir); err != nil {
		return err
	}
	return nil
}

// CheckLoopSupport verifies the kernel exposes the loop control device.
// A missing node usually means the loop module is not loaded.
func CheckLoopSupport() error {
	if _, err := os.Stat(LoopControlPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s not found; is the loop module loaded? (modprobe loop)", LoopControlPath)
		}
		return fmt.Errorf("cannot access %s: %w", LoopControlPath, err)
	}
	return nil
}

// CheckSysfs verifies the virtual block device directory is an accessible
// directory.
func CheckSysfs(dir string) error {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return fmt.Errorf("cannot access sysfs block directory %s: %w", dir, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("sysfs block path %s is not a directory", dir)
	}
	return nil
}

// KernelVersion returns the current kernel version as a string (e.g., "6.16.0").
func KernelVersion() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname failed: %w", err)
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}
