//go:build linux || darwin || freebsd

package buffer

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// allocArena maps an anonymous private region so that frames live outside go heap and the garbage collector never
// scans them.
func allocArena(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "mmap %v bytes: %v", size, err)
	}
	return b, nil
}

func freeArena(b []byte) error {
	return unix.Munmap(b)
}
