package looppool

import "fmt"

// ID is the explicit (device, inode) lookup key: the device number of the
// filesystem holding a backing file and the backing file's inode number.
type ID struct {
	Device uint64
	Inode  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("(%d, %d)", id.Device, id.Inode)
}

// key is a lookup key normalized to one of the pool's two index forms: a
// byte path (held as a string, which preserves arbitrary bytes) or an ID.
type key struct {
	path string
	id   ID
	byID bool
}

func (k key) String() string {
	if k.byID {
		return k.id.String()
	}
	return fmt.Sprintf("%q", k.path)
}

// normalizeKey maps the accepted key shapes onto the pool's index forms:
//
//   - string: a text path
//   - []byte: a raw byte path
//   - ID or [2]uint64: an explicit (device, inode) pair
//
// Go strings carry arbitrary bytes, so both path shapes normalize losslessly
// to the same byte-path index; backing paths that are not valid UTF-8 need no
// escaping to round-trip. Any other shape is a caller bug and yields an
// InvalidKeyError.
func normalizeKey(k any) (key, error) {
	switch v := k.(type) {
	case string:
		return key{path: v}, nil
	case []byte:
		return key{path: string(v)}, nil
	case ID:
		return key{id: v, byID: true}, nil
	case [2]uint64:
		return key{id: ID{Device: v[0], Inode: v[1]}, byID: true}, nil
	default:
		return key{}, &InvalidKeyError{Key: k}
	}
}
