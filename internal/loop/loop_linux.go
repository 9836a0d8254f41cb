// Package loop provides functions for querying and managing Linux loop devices.
package loop

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Loop device ioctl constants from <linux/loop.h>
const (
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopGetStatus64 = 0x4C05
	loopCtlGetFree  = 0x4C82
)

// Status retrieves the current loop info for an open loop device descriptor.
// Fails if the device is not bound to a backing file.
func Status(f *os.File) (*Info64, error) {
	var info Info64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), loopGetStatus64, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return nil, fmt.Errorf("LOOP_GET_STATUS64 failed for %s: %w", f.Name(), errno)
	}
	return &info, nil
}

// BackingIdentity returns the (device, inode) pair the kernel recorded for
// the backing file currently bound to the loop device open on f. This is the
// authoritative identity of the backing file at bind time; comparing it
// against a fresh stat of the backing path detects a file that was replaced
// after binding.
func BackingIdentity(f *os.File) (device, inode uint64, err error) {
	info, err := Status(f)
	if err != nil {
		return 0, 0, err
	}
	return info.Device, info.Inode, nil
}

// Attach binds a free loop device to the given backing file and returns the
// device. The free device is allocated through /dev/loop-control.
func Attach(backingFile string, cfg Config) (*Device, error) {
	flags := unix.O_CLOEXEC
	if cfg.ReadOnly {
		flags |= unix.O_RDONLY
	} else {
		flags |= unix.O_RDWR
	}
	backingFd, err := unix.Open(backingFile, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing file %s: %w", backingFile, err)
	}
	defer unix.Close(backingFd)

	ctlFd, err := unix.Open("/dev/loop-control", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/loop-control: %w", err)
	}
	defer unix.Close(ctlFd)

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ctlFd), loopCtlGetFree, 0)
	if errno != 0 {
		return nil, fmt.Errorf("LOOP_CTL_GET_FREE failed: %w", errno)
	}

	loopPath := fmt.Sprintf("/dev/loop%d", devNum)

	loopFd, err := unix.Open(loopPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop device %s: %w", loopPath, err)
	}
	defer unix.Close(loopFd)

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetFd, uintptr(backingFd))
	if errno != 0 {
		return nil, fmt.Errorf("LOOP_SET_FD failed for %s: %w", loopPath, errno)
	}

	var info Info64
	if cfg.ReadOnly {
		info.Flags |= FlagsReadOnly
	}
	if cfg.Autoclear {
		info.Flags |= FlagsAutoclear
	}
	if cfg.DirectIO {
		info.Flags |= FlagsDirectIO
	}
	info.Offset = cfg.Offset
	info.SizeLimit = cfg.SizeLimit

	// Backing file name is truncated to 64 bytes by the kernel
	copy(info.FileName[:], backingFile)

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetStatus64, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		// Unwind the binding on failure
		unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
		return nil, fmt.Errorf("LOOP_SET_STATUS64 failed for %s: %w", loopPath, errno)
	}

	return &Device{
		Path:   loopPath,
		Number: int(devNum),
	}, nil
}

// Detach unbinds the loop device at the given path.
// Returns nil if the device node doesn't exist or is already unbound.
func Detach(loopPath string) error {
	loopFd, err := unix.Open(loopPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open loop device %s: %w", loopPath, err)
	}
	defer unix.Close(loopFd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
	if errno != 0 && errno != unix.ENXIO {
		// ENXIO means device not configured, which is fine
		return fmt.Errorf("LOOP_CLR_FD failed for %s: %w", loopPath, errno)
	}

	return nil
}
