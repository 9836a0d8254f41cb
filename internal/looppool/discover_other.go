//go:build !linux

package looppool

import (
	"context"

	"github.com/containerd/errdefs"
)

// DefaultDevDir is where loop device nodes live.
const DefaultDevDir = "/dev"

// Discover builds a pool of the loop devices whose backing file lies under
// prefix. Loop devices are a Linux kernel facility.
func Discover(ctx context.Context, prefix string, opts ...Opt) (*Pool, error) {
	return nil, errdefs.ErrNotImplemented
}
