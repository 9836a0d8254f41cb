package loop

// Loop device flags from <linux/loop.h>
const (
	FlagsReadOnly  = 1 << 0
	FlagsAutoclear = 1 << 2
	FlagsPartscan  = 1 << 3
	FlagsDirectIO  = 1 << 4
)

// Info64 is the loop device info structure for LOOP_SET_STATUS64/LOOP_GET_STATUS64.
// This matches the kernel's struct loop_info64 from <linux/loop.h>.
//
// Device and Inode identify the backing file as the kernel recorded it at
// bind time: the device number of the filesystem holding the backing file
// and the backing file's inode number. They are not the loop device's own
// numbers.
type Info64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

// BackingFile returns the backing file path recorded in the loop info.
// The kernel truncates it to 64 bytes; prefer the sysfs backing_file
// attribute when the full path matters.
func (info *Info64) BackingFile() string {
	for i, b := range info.FileName {
		if b == 0 {
			return string(info.FileName[:i])
		}
	}
	return string(info.FileName[:])
}

// Config holds configuration options for attaching a loop device.
type Config struct {
	// ReadOnly sets the loop device as read-only.
	ReadOnly bool
	// Autoclear automatically detaches the loop device when the last user closes it.
	Autoclear bool
	// DirectIO enables direct I/O mode.
	DirectIO bool
	// Offset specifies the offset in the backing file where data starts.
	Offset uint64
	// SizeLimit limits the size of the loop device (0 = entire file).
	SizeLimit uint64
}

// Device represents an attached loop device.
type Device struct {
	// Path is the device node path (e.g., "/dev/loop0").
	Path string
	// Number is the loop device number.
	Number int
}
