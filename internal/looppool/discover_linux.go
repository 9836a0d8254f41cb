package looppool

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/QubesOS/qubes-core-admin-sub004/internal/loop"
	"github.com/QubesOS/qubes-core-admin-sub004/internal/sysfs"
)

// DefaultDevDir is where loop device nodes live.
const DefaultDevDir = "/dev"

// Discover opens the virtual block device directory and builds a pool of the
// loop devices whose backing file lies under prefix. Each candidate is
// admitted only after the kernel-reported backing identity matches a fresh
// stat of the backing path; see the admission rules on Entry.
//
// Per-candidate failures (ioctl error, malformed sysfs response, identity
// mismatch) are logged and skipped, so a single bad device never aborts the
// scan; only failure to open or list the sysfs directory itself is fatal.
// The returned pool owns the directory handle until Close.
func Discover(ctx context.Context, prefix string, opts ...Opt) (*Pool, error) {
	cfg := config{
		sysfsDir: sysfs.DefaultDir,
		devDir:   DefaultDevDir,
		identity: loop.BackingIdentity,
	}
	for _, o := range opts {
		o(&cfg)
	}

	prefix = filepath.Clean(prefix)
	sep := prefix + string(filepath.Separator)
	if prefix == string(filepath.Separator) {
		sep = prefix
	}

	dir, err := sysfs.Open(cfg.sysfsDir)
	if err != nil {
		return nil, err
	}

	pool := newPool(prefix, dir, dir.Holders)
	ok := false
	defer func() {
		if !ok {
			pool.Close()
		}
	}()

	devices, err := dir.LoopDevices()
	if err != nil {
		return nil, err
	}

	for _, dev := range devices {
		devPath := filepath.Join(cfg.devDir, dev.Name)

		backing, err := dir.BackingFile(dev.Name)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Not currently bound
			continue
		case errors.Is(err, sysfs.ErrNotTerminated):
			log.G(ctx).WithError(&MalformedResponseError{DevicePath: devPath, Cause: err}).
				Warnf("skipping %s: malformed sysfs response", dev.Name)
			continue
		case err != nil:
			log.G(ctx).WithError(err).Warnf("skipping %s: cannot read backing_file", dev.Name)
			continue
		}

		if !strings.HasPrefix(string(backing), sep) {
			// Out-of-prefix devices are not this pool's concern
			log.G(ctx).Debugf("ignoring %s: backing file %q outside %s", dev.Name, backing, prefix)
			continue
		}

		f, err := os.OpenFile(devPath, os.O_RDONLY, 0)
		if err != nil {
			log.G(ctx).WithError(err).Warnf("skipping %s: cannot open device node", dev.Name)
			continue
		}

		kdev, kino, err := cfg.identity(f)
		if err != nil {
			log.G(ctx).WithError(&QueryError{DevicePath: devPath, Cause: err}).
				Warnf("skipping %s: loop status query failed", dev.Name)
			f.Close()
			continue
		}

		// Stat the backing file as named, not as opened: a file replaced
		// after binding keeps the old identity on the device but not on
		// the path.
		var st unix.Stat_t
		if err := unix.Stat(string(backing), &st); err != nil {
			log.G(ctx).WithError(err).Warnf("skipping %s: cannot stat backing file %q", dev.Name, backing)
			f.Close()
			continue
		}
		if uint64(st.Dev) != kdev || uint64(st.Ino) != kino {
			log.G(ctx).WithError(&IdentityMismatchError{
				DevicePath:  devPath,
				BackingFile: string(backing),
				WantDevice:  kdev,
				WantInode:   kino,
				GotDevice:   uint64(st.Dev),
				GotInode:    uint64(st.Ino),
			}).Warnf("skipping %s: backing file changed since binding", dev.Name)
			f.Close()
			continue
		}

		e := &Entry{
			Name:        dev.Name,
			DevicePath:  devPath,
			BackingFile: backing,
			DeviceID:    kdev,
			InodeID:     kino,
			file:        f,
		}
		if !pool.admit(e) {
			log.G(ctx).Warnf("skipping %s: identity %s already tracked", dev.Name, e.ID())
			f.Close()
			continue
		}
		log.G(ctx).Debugf("tracking %s", e)
	}

	ok = true
	return pool, nil
}
