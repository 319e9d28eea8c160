// Package mempool provides the page-granular allocators backing cell
// slabs, oversized CPU bitmaps and the temporary remap window. The pools
// only track whole pages; callers hold the returned block and hand it
// back on free.
package mempool

import (
	"errors"
	"sync"
)

const PageSize = 4096

var (
	ErrExhausted = errors.New("page pool exhausted")
	ErrBadFree   = errors.New("free of block not sized in whole pages")
)

// Pool is a page allocator with usage statistics. It is safe for
// concurrent use, although the control plane only touches it inside
// quiescence windows.
type Pool struct {
	mu    sync.Mutex
	pages int
	used  int
}

// New returns a pool of the given number of pages.
func New(pages int) *Pool {
	return &Pool{pages: pages}
}

// Alloc returns a zeroed block of n pages.
func (p *Pool) Alloc(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used+n > p.pages {
		return nil, ErrExhausted
	}

	p.used += n

	return make([]byte, n*PageSize), nil
}

// Free returns a block obtained from Alloc.
func (p *Pool) Free(b []byte) error {
	if len(b)%PageSize != 0 {
		return ErrBadFree
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.used -= len(b) / PageSize

	return nil
}

// Pages returns the pool capacity in pages.
func (p *Pool) Pages() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pages
}

// Used returns the number of pages currently allocated.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.used
}
