package looppool

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"
)

func TestNormalizeKey(t *testing.T) {
	rawPath := []byte{'/', 'p', 'o', 'o', 'l', '/', 0xff, 0xfe}

	tests := []struct {
		name string
		in   any
		want key
	}{
		{
			name: "text path",
			in:   "/var/lib/pool/disk1.img",
			want: key{path: "/var/lib/pool/disk1.img"},
		},
		{
			name: "byte path with non-UTF-8 bytes",
			in:   rawPath,
			want: key{path: string(rawPath)},
		},
		{
			name: "id",
			in:   ID{Device: 8, Inode: 100},
			want: key{id: ID{Device: 8, Inode: 100}, byID: true},
		},
		{
			name: "integer pair",
			in:   [2]uint64{8, 100},
			want: key{id: ID{Device: 8, Inode: 100}, byID: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeKey(tt.in)
			if err != nil {
				t.Fatalf("normalizeKey(%v) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("normalizeKey(%v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeKeyInvalid(t *testing.T) {
	inputs := []any{
		nil,
		3.14,
		42,
		uint64(42),
		[3]uint64{1, 2, 3},
		[2]int{8, 100},
		[2]float64{8, 100},
		[]string{"/var/lib/pool/disk1.img"},
		struct{ Device, Inode uint64 }{8, 100},
	}
	for _, in := range inputs {
		_, err := normalizeKey(in)
		if err == nil {
			t.Errorf("normalizeKey(%#v) succeeded, want error", in)
			continue
		}
		var ike *InvalidKeyError
		if !errors.As(err, &ike) {
			t.Errorf("normalizeKey(%#v) returned %T, want *InvalidKeyError", in, err)
		}
		if !errdefs.IsInvalidArgument(err) {
			t.Errorf("normalizeKey(%#v) error is not an invalid-argument error: %v", in, err)
		}
		if !IsErrorCode(err, CodeInvalidKey) {
			t.Errorf("normalizeKey(%#v) error has code %v, want CodeInvalidKey", in, err)
		}
	}
}
