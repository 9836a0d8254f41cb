/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package sysfs enumerates loop devices through the kernel's virtual
// block device directory (/sys/devices/virtual/block).
//
// All attribute reads go through a single directory descriptor held open by
// Dir, so every access is relative to the tree that was opened rather than
// re-resolving absolute paths on each call.
package sysfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultDir is where the kernel exposes virtual block devices.
const DefaultDir = "/sys/devices/virtual/block"

// ErrNotTerminated reports a sysfs attribute read that did not end in the
// expected newline. The kernel always newline-terminates these attributes;
// anything else means the interface contract changed underneath us.
var ErrNotTerminated = errors.New("sysfs attribute missing newline terminator")

// Dir is an open handle on a virtual block device directory.
type Dir struct {
	f *os.File
}

// Open opens the virtual block device directory read-only. The descriptor is
// close-on-exec and refuses non-directories.
func Open(path string) (*Dir, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs block directory %s: %w", path, err)
	}
	return &Dir{f: f}, nil
}

// Name returns the path the directory was opened with.
func (d *Dir) Name() string {
	return d.f.Name()
}

// Close releases the directory descriptor.
func (d *Dir) Close() error {
	return d.f.Close()
}

// Device is one loop device entry found in the block directory.
type Device struct {
	// Name is the sysfs entry name (e.g., "loop0").
	Name string
	// Index is the loop device number parsed from the name.
	Index int
}

// LoopDevices lists the loop devices present in the directory, sorted by
// index. Entries whose name is not "loop" followed by a non-negative integer
// are skipped; not every virtual block device follows the loop naming scheme.
func (d *Dir) LoopDevices() ([]Device, error) {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind %s: %w", d.f.Name(), err)
	}
	names, err := d.f.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.f.Name(), err)
	}

	var devices []Device
	for _, name := range names {
		suffix, ok := strings.CutPrefix(name, "loop")
		if !ok {
			continue
		}
		index, err := strconv.Atoi(suffix)
		if err != nil || index < 0 {
			continue
		}
		devices = append(devices, Device{Name: name, Index: index})
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Index < devices[j].Index
	})
	return devices, nil
}

// BackingFile reads the loop/backing_file attribute of the named device and
// returns the backing path with the trailing newline stripped. The bytes are
// returned exactly as the kernel wrote them; backing paths are not required
// to be valid UTF-8.
//
// Returns an error satisfying errors.Is(err, fs.ErrNotExist) when the device
// is not bound (the loop/backing_file attribute only exists while bound), and
// an error wrapping ErrNotTerminated when the attribute is present but lacks
// its newline terminator.
func (d *Dir) BackingFile(name string) ([]byte, error) {
	attr := name + "/loop/backing_file"
	data, err := d.readAttr(attr)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		return nil, fmt.Errorf("%s: %w", filepath.Join(d.f.Name(), attr), ErrNotTerminated)
	}
	return data[:len(data)-1], nil
}

// Holders lists the named device's holders directory: kernel objects (mounts,
// device-mapper targets) layered on top of the device. A non-empty list means
// the device is in active use. The listing is read fresh on every call.
func (d *Dir) Holders(name string) ([]string, error) {
	rel := name + "/holders"
	fd, err := unix.Openat(int(d.f.Fd()), rel, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: filepath.Join(d.f.Name(), rel), Err: err}
	}
	hf := os.NewFile(uintptr(fd), filepath.Join(d.f.Name(), rel))
	defer hf.Close()

	holders, err := hf.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders of %s: %w", name, err)
	}
	sort.Strings(holders)
	return holders, nil
}

// readAttr opens an attribute file relative to the directory descriptor and
// reads it whole.
func (d *Dir) readAttr(rel string) ([]byte, error) {
	fd, err := unix.Openat(int(d.f.Fd()), rel, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: filepath.Join(d.f.Name(), rel), Err: err}
	}
	af := os.NewFile(uintptr(fd), filepath.Join(d.f.Name(), rel))
	defer af.Close()
	return io.ReadAll(af)
}
