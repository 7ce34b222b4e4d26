//go:build unix

package palloc

import (
	"golang.org/x/sys/unix"
)

// mapArena maps anonymous, private memory, outside of the Go heap.
func mapArena(size int) ([]byte, func([]byte) error, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return b, unix.Munmap, nil
}
