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

// Package looppool discovers, validates, and tracks kernel loop devices
// already bound to backing files under a configured prefix directory, so a
// storage-pool manager can reuse an existing binding instead of creating a
// duplicate one.
//
// The pool is populated once, by Discover; it does not learn about loop
// devices bound afterwards. It never creates or destroys loop bindings
// itself.
package looppool

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/containerd/errdefs"
)

// Entry is one validated, currently bound loop device tracked by the pool.
//
// A single Entry is reachable by two keys: its backing file path and its
// (device, inode) identity. Both index the same object; the pool never holds
// two entries for the same binding.
type Entry struct {
	// Name is the sysfs entry name (e.g., "loop0").
	Name string
	// DevicePath is the device node path (e.g., "/dev/loop0").
	DevicePath string
	// BackingFile is the absolute backing path exactly as the kernel
	// reports it, trailing newline stripped. Not required to be valid
	// UTF-8.
	BackingFile []byte
	// DeviceID is the device number of the filesystem holding the backing
	// file, as reported by the loop device.
	DeviceID uint64
	// InodeID is the backing file's inode number, as reported by the loop
	// device.
	InodeID uint64

	// file is an owned close-on-exec handle on the device node, held open
	// for the entry's lifetime so the descriptor number cannot be reused
	// for something else in this process while the device is tracked.
	file *os.File
}

// ID returns the entry's (device, inode) key.
func (e *Entry) ID() ID {
	return ID{Device: e.DeviceID, Inode: e.InodeID}
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s -> %q %s", e.DevicePath, e.BackingFile, e.ID())
}

type holdersFunc func(name string) ([]string, error)

// Pool tracks validated loop devices under a prefix directory.
//
// A Pool is not internally synchronized: it is a single-ownership structure,
// safe for concurrent use only under external mutual exclusion, the same
// discipline a caller applies to any mutable map.
type Pool struct {
	prefix  string
	dir     io.Closer
	holders holdersFunc
	byPath  map[string]*Entry
	byID    map[ID]*Entry
}

func newPool(prefix string, dir io.Closer, holders holdersFunc) *Pool {
	return &Pool{
		prefix:  prefix,
		dir:     dir,
		holders: holders,
		byPath:  make(map[string]*Entry),
		byID:    make(map[ID]*Entry),
	}
}

// admit inserts e under both of its keys. Returns false when either key is
// already taken; the first admitted binding for an identity wins.
func (p *Pool) admit(e *Entry) bool {
	if _, ok := p.byID[e.ID()]; ok {
		return false
	}
	if _, ok := p.byPath[string(e.BackingFile)]; ok {
		return false
	}
	p.byID[e.ID()] = e
	p.byPath[string(e.BackingFile)] = e
	return true
}

// Prefix returns the prefix directory this pool manages backing files under.
func (p *Pool) Prefix() string {
	return p.prefix
}

// Len returns the number of tracked entries.
func (p *Pool) Len() int {
	return len(p.byID)
}

// Entries returns the tracked entries sorted by device path.
func (p *Pool) Entries() []*Entry {
	entries := make([]*Entry, 0, len(p.byID))
	for _, e := range p.byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DevicePath < entries[j].DevicePath
	})
	return entries
}

func (p *Pool) get(k key) *Entry {
	if k.byID {
		return p.byID[k.id]
	}
	return p.byPath[k.path]
}

// Lookup returns the entry indexed under the given key. The key may be a
// text path (string), a raw byte path ([]byte), or an explicit (device,
// inode) pair (ID or [2]uint64). Returns an error wrapping
// errdefs.ErrNotFound when no entry is indexed under the key; that means
// "not currently tracked", not a fault.
func (p *Pool) Lookup(k any) (*Entry, error) {
	nk, err := normalizeKey(k)
	if err != nil {
		return nil, err
	}
	e := p.get(nk)
	if e == nil {
		return nil, fmt.Errorf("no tracked loop device for key %s: %w", nk, errdefs.ErrNotFound)
	}
	return e, nil
}

// Remove drops the entry indexed under the given key from tracking, provided
// the kernel currently reports no holders for its device. Holders are read
// fresh from sysfs on every call, not cached: a mount or device-mapper target
// layered on top of the device can appear or disappear between calls. With
// holders present the call is a silent no-op and the entry stays tracked.
//
// Removing an entry closes its device handle; it never unbinds the loop
// device.
func (p *Pool) Remove(k any) error {
	nk, err := normalizeKey(k)
	if err != nil {
		return err
	}
	e := p.get(nk)
	if e == nil {
		return fmt.Errorf("no tracked loop device for key %s: %w", nk, errdefs.ErrNotFound)
	}

	holders, err := p.holders(e.Name)
	if err != nil {
		return fmt.Errorf("failed to check holders of %s: %w", e.DevicePath, err)
	}
	if len(holders) > 0 {
		// Something is layered on top of the device; keep tracking it.
		return nil
	}

	delete(p.byPath, string(e.BackingFile))
	delete(p.byID, e.ID())
	if e.file != nil {
		return e.file.Close()
	}
	return nil
}

// Close releases the sysfs directory handle and every tracked entry's device
// handle. It does not unbind any loop device. The pool is unusable
// afterwards.
func (p *Pool) Close() error {
	var firstErr error
	for _, e := range p.byID {
		if e.file == nil {
			continue
		}
		if err := e.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.byPath = nil
	p.byID = nil
	if p.dir != nil {
		if err := p.dir.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.dir = nil
	}
	return firstErr
}

// identityFunc reports the kernel-recorded (device, inode) identity of the
// backing file bound to the loop device open on f.
type identityFunc func(f *os.File) (device, inode uint64, err error)

type config struct {
	sysfsDir string
	devDir   string
	identity identityFunc
}

// Opt configures Discover.
type Opt func(*config)

// WithSysfsDir overrides the virtual block device directory to scan.
func WithSysfsDir(dir string) Opt {
	return func(c *config) {
		c.sysfsDir = dir
	}
}

// WithDevDir overrides the directory containing loop device nodes.
func WithDevDir(dir string) Opt {
	return func(c *config) {
		c.devDir = dir
	}
}

// WithIdentity replaces the loop-info ioctl used to validate candidates.
// This is primarily used for testing without real loop devices.
func WithIdentity(fn identityFunc) Opt {
	return func(c *config) {
		c.identity = fn
	}
}
