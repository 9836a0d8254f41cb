package looppool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// fakeSysfs builds a virtual block device tree under a temp directory.
type fakeSysfs struct {
	t        *testing.T
	blockDir string
	devDir   string
	identity map[string][2]uint64 // device node path -> kernel-reported (dev, ino)
}

func newFakeSysfs(t *testing.T) *fakeSysfs {
	t.Helper()
	return &fakeSysfs{
		t:        t,
		blockDir: t.TempDir(),
		devDir:   t.TempDir(),
		identity: make(map[string][2]uint64),
	}
}

// addDevice creates a sysfs entry bound to backing and a matching device
// node, reporting the given identity from the fake ioctl.
func (fs *fakeSysfs) addDevice(name, backing string, terminated bool, dev, ino uint64) {
	fs.t.Helper()
	loopDir := filepath.Join(fs.blockDir, name, "loop")
	if err := os.MkdirAll(loopDir, 0o755); err != nil {
		fs.t.Fatalf("failed to create %s: %v", loopDir, err)
	}
	if err := os.MkdirAll(filepath.Join(fs.blockDir, name, "holders"), 0o755); err != nil {
		fs.t.Fatalf("failed to create holders dir: %v", err)
	}
	attr := []byte(backing)
	if terminated {
		attr = append(attr, '\n')
	}
	if err := os.WriteFile(filepath.Join(loopDir, "backing_file"), attr, 0o444); err != nil {
		fs.t.Fatalf("failed to write backing_file: %v", err)
	}
	node := filepath.Join(fs.devDir, name)
	if err := os.WriteFile(node, nil, 0o600); err != nil {
		fs.t.Fatalf("failed to create device node stand-in: %v", err)
	}
	fs.identity[node] = [2]uint64{dev, ino}
}

// addUnbound creates a sysfs entry without a loop/backing_file attribute.
func (fs *fakeSysfs) addUnbound(name string) {
	fs.t.Helper()
	if err := os.MkdirAll(filepath.Join(fs.blockDir, name, "holders"), 0o755); err != nil {
		fs.t.Fatalf("failed to create %s: %v", name, err)
	}
}

// addHolder layers a holder on top of the named device.
func (fs *fakeSysfs) addHolder(name, holder string) {
	fs.t.Helper()
	path := filepath.Join(fs.blockDir, name, "holders", holder)
	if err := os.WriteFile(path, nil, 0o444); err != nil {
		fs.t.Fatalf("failed to create holder: %v", err)
	}
}

func (fs *fakeSysfs) discover(prefix string) (*Pool, error) {
	return Discover(context.Background(), prefix,
		WithSysfsDir(fs.blockDir),
		WithDevDir(fs.devDir),
		WithIdentity(func(f *os.File) (uint64, uint64, error) {
			id, ok := fs.identity[f.Name()]
			if !ok {
				fs.t.Fatalf("identity queried for unexpected device %s", f.Name())
			}
			return id[0], id[1], nil
		}),
	)
}

func statID(t *testing.T, path string) (uint64, uint64) {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		t.Fatalf("stat %s failed: %v", path, err)
	}
	return uint64(st.Dev), uint64(st.Ino)
}

func createBacking(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte("image"), 0o600); err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "pool")

	disk1 := filepath.Join(prefix, "disk1.img")
	outside := filepath.Join(root, "other", "disk2.img")
	disk3 := filepath.Join(prefix, "disk3.img")
	createBacking(t, disk1)
	createBacking(t, outside)
	createBacking(t, disk3)

	dev1, ino1 := statID(t, disk1)
	devO, inoO := statID(t, outside)
	dev3, ino3 := statID(t, disk3)

	fs := newFakeSysfs(t)
	// loop0: valid binding under the prefix
	fs.addDevice("loop0", disk1, true, dev1, ino1)
	// loop1: genuine binding, but outside the prefix
	fs.addDevice("loop1", outside, true, devO, inoO)
	// loop2: backing file replaced after binding, stat disagrees
	fs.addDevice("loop2", disk3, true, dev3, ino3+1)
	// loop3: sysfs attribute missing its newline terminator
	fs.addDevice("loop3", disk1, false, dev1, ino1)
	// loop4: present but unbound
	fs.addUnbound("loop4")
	// non-loop names are ignored entirely
	fs.addUnbound("loopX")
	fs.addUnbound("dm-0")

	pool, err := fs.discover(prefix)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	defer pool.Close()

	if pool.Len() != 1 {
		t.Fatalf("pool has %d entries, want 1: %v", pool.Len(), pool.Entries())
	}

	// The one entry is reachable by all three key shapes and is the same object
	byPath, err := pool.Lookup(disk1)
	if err != nil {
		t.Fatalf("Lookup by path failed: %v", err)
	}
	byBytes, err := pool.Lookup([]byte(disk1))
	if err != nil {
		t.Fatalf("Lookup by byte path failed: %v", err)
	}
	byID, err := pool.Lookup(ID{Device: dev1, Inode: ino1})
	if err != nil {
		t.Fatalf("Lookup by id failed: %v", err)
	}
	if byPath != byBytes || byPath != byID {
		t.Error("the three key shapes did not resolve to the same entry")
	}

	e := byPath
	if e.Name != "loop0" {
		t.Errorf("entry name = %q, want loop0", e.Name)
	}
	if e.DevicePath != filepath.Join(fs.devDir, "loop0") {
		t.Errorf("entry device path = %q", e.DevicePath)
	}
	if string(e.BackingFile) != disk1 {
		t.Errorf("entry backing file = %q, want %q", e.BackingFile, disk1)
	}
	if e.file == nil {
		t.Error("entry does not hold an open device handle")
	}

	// Rejected candidates are not reachable
	if _, err := pool.Lookup(outside); !errdefs.IsNotFound(err) {
		t.Errorf("out-of-prefix lookup = %v, want not-found", err)
	}
	if _, err := pool.Lookup(disk3); !errdefs.IsNotFound(err) {
		t.Errorf("mismatched-inode lookup = %v, want not-found", err)
	}
}

func TestDiscoverPrefixBoundary(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "pool")

	// String-prefixed but not path-prefixed: /.../pool-extra/disk.img
	sneaky := prefix + "-extra/disk.img"
	createBacking(t, sneaky)
	dev, ino := statID(t, sneaky)

	fs := newFakeSysfs(t)
	fs.addDevice("loop0", sneaky, true, dev, ino)

	pool, err := fs.discover(prefix)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	defer pool.Close()

	if pool.Len() != 0 {
		t.Errorf("pool admitted a backing file outside the prefix boundary: %v", pool.Entries())
	}
}

func TestDiscoverDuplicateBinding(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "pool")

	disk := filepath.Join(prefix, "disk.img")
	createBacking(t, disk)
	dev, ino := statID(t, disk)

	fs := newFakeSysfs(t)
	fs.addDevice("loop0", disk, true, dev, ino)
	fs.addDevice("loop1", disk, true, dev, ino)

	pool, err := fs.discover(prefix)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	defer pool.Close()

	if pool.Len() != 1 {
		t.Fatalf("pool has %d entries for one identity, want 1", pool.Len())
	}
	e, err := pool.Lookup(disk)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if e.Name != "loop0" {
		t.Errorf("tracked device = %q, want the first admitted (loop0)", e.Name)
	}
}

func TestDiscoverQueryFailure(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "pool")

	disk := filepath.Join(prefix, "disk.img")
	broken := filepath.Join(prefix, "broken.img")
	createBacking(t, disk)
	createBacking(t, broken)
	dev, ino := statID(t, disk)

	fs := newFakeSysfs(t)
	fs.addDevice("loop0", disk, true, dev, ino)
	fs.addDevice("loop1", broken, true, 0, 0)

	brokenNode := filepath.Join(fs.devDir, "loop1")
	pool, err := Discover(context.Background(), prefix,
		WithSysfsDir(fs.blockDir),
		WithDevDir(fs.devDir),
		WithIdentity(func(f *os.File) (uint64, uint64, error) {
			if f.Name() == brokenNode {
				return 0, 0, unix.ENXIO
			}
			id := fs.identity[f.Name()]
			return id[0], id[1], nil
		}),
	)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	defer pool.Close()

	// The ioctl failure is scoped to loop1; loop0 is still admitted
	if pool.Len() != 1 {
		t.Fatalf("pool has %d entries, want 1", pool.Len())
	}
	if _, err := pool.Lookup(disk); err != nil {
		t.Errorf("Lookup of the healthy device failed: %v", err)
	}
}

func TestDiscoverOpenFailed(t *testing.T) {
	_, err := Discover(context.Background(), "/var/lib/pool",
		WithSysfsDir(filepath.Join(t.TempDir(), "does-not-exist")))
	if err == nil {
		t.Fatal("Discover succeeded with an unopenable sysfs directory")
	}
}

func TestRemoveWithSysfsHolders(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "pool")

	disk := filepath.Join(prefix, "disk.img")
	createBacking(t, disk)
	dev, ino := statID(t, disk)

	fs := newFakeSysfs(t)
	fs.addDevice("loop0", disk, true, dev, ino)
	fs.addHolder("loop0", "dm-3")

	pool, err := fs.discover(prefix)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	defer pool.Close()

	if err := pool.Remove(disk); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := pool.Lookup(disk); err != nil {
		t.Fatalf("entry dropped while the kernel reported a holder: %v", err)
	}

	// Holder disappears; removal must observe the current kernel state
	if err := os.Remove(filepath.Join(fs.blockDir, "loop0", "holders", "dm-3")); err != nil {
		t.Fatalf("failed to remove holder: %v", err)
	}
	if err := pool.Remove(disk); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := pool.Lookup(disk); !errdefs.IsNotFound(err) {
		t.Errorf("lookup after remove = %v, want not-found", err)
	}
	if _, err := pool.Lookup(ID{Device: dev, Inode: ino}); !errdefs.IsNotFound(err) {
		t.Errorf("id lookup after remove = %v, want not-found", err)
	}
}

func TestDiscoverNonUTF8BackingPath(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "pool")

	disk := filepath.Join(prefix, "disk\xff\xfe.img")
	createBacking(t, disk)
	dev, ino := statID(t, disk)

	fs := newFakeSysfs(t)
	fs.addDevice("loop0", disk, true, dev, ino)

	pool, err := fs.discover(prefix)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	defer pool.Close()

	byText, err := pool.Lookup(disk)
	if err != nil {
		t.Fatalf("Lookup by text path failed: %v", err)
	}
	byBytes, err := pool.Lookup([]byte(disk))
	if err != nil {
		t.Fatalf("Lookup by byte path failed: %v", err)
	}
	if byText != byBytes {
		t.Error("text and byte forms of a non-UTF-8 path resolved to different entries")
	}
}
