// Package palloc implements a fixed size pool of equally sized pages, backed
// by a single arena.
package palloc

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultPageSize is the page size used by the kernel, if unspecified.
	DefaultPageSize = 4096

	// MinPageSize is the smallest supported page size.
	MinPageSize = 64

	poison = 0xcc
)

var (
	// ErrExhausted is returned by Pool.AllocZeroed if all pages are in use.
	ErrExhausted = errors.New(`palloc: pool exhausted`)

	// ErrClosed is returned by Pool.AllocZeroed after Pool.Close.
	ErrClosed = errors.New(`palloc: pool closed`)
)

// Pool is a page allocator, safe for concurrent use. Freed pages are filled
// with a poison byte, and reused in LIFO order.
type Pool struct {
	mu       sync.Mutex
	arena    []byte
	index    map[*byte]int
	free     []int
	inUse    []bool
	release  func([]byte) error
	pageSize int
}

// New allocates an arena for n pages, each size bytes.
func New(n, size int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf(`palloc: invalid page count: %d`, n)
	}
	if size < MinPageSize {
		return nil, fmt.Errorf(`palloc: invalid page size: %d`, size)
	}

	arena, release, err := mapArena(n * size)
	if err != nil {
		return nil, fmt.Errorf(`palloc: map arena: %w`, err)
	}

	x := Pool{
		arena:    arena,
		index:    make(map[*byte]int, n),
		free:     make([]int, n),
		inUse:    make([]bool, n),
		release:  release,
		pageSize: size,
	}
	for i := range n {
		x.index[&arena[i*size]] = i
		// lowest page first
		x.free[i] = n - 1 - i
	}

	return &x, nil
}

// PageSize returns the size of each page.
func (x *Pool) PageSize() int { return x.pageSize }

// Available returns the number of free pages.
func (x *Pool) Available() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.free)
}

// AllocZeroed returns a zeroed page, or ErrExhausted.
func (x *Pool) AllocZeroed() ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.arena == nil {
		return nil, ErrClosed
	}
	if len(x.free) == 0 {
		return nil, ErrExhausted
	}

	i := x.free[len(x.free)-1]
	x.free = x.free[:len(x.free)-1]
	x.inUse[i] = true

	page := x.page(i)
	clear(page)
	return page, nil
}

// Free returns a page to the pool. It panics if page was not allocated from
// the pool, or was already freed.
func (x *Pool) Free(page []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.arena == nil {
		return
	}

	i, ok := -1, false
	if len(page) == x.pageSize {
		i, ok = x.index[&page[0]]
	}
	if !ok {
		panic(`palloc: free of foreign page`)
	}
	if !x.inUse[i] {
		panic(fmt.Sprintf(`palloc: double free of page %d`, i))
	}

	x.inUse[i] = false
	page = x.page(i)
	for j := range page {
		page[j] = poison
	}
	x.free = append(x.free, i)
}

// Close releases the arena. Pages must not be used, after Close.
func (x *Pool) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.arena == nil {
		return nil
	}
	arena := x.arena
	x.arena = nil
	x.index = nil
	x.free = nil
	return x.release(arena)
}

func (x *Pool) page(i int) []byte {
	off := i * x.pageSize
	return x.arena[off : off+x.pageSize : off+x.pageSize]
}
