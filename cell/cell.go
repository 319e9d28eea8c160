// Package cell holds the partition model: cells, their CPU sets, the
// per-CPU records and the registry linking them together.
package cell

import (
	"github.com/nmi/gopart/comm"
	"github.com/nmi/gopart/config"
	"github.com/nmi/gopart/mempool"
)

// Cell is one partition: a disjoint slice of CPUs and physical memory.
// The root cell has ID 0 and is never destroyed.
type Cell struct {
	ID int

	// Config is the cell's private copy of its descriptor, backed by
	// the slab.
	Config *config.Desc

	// CPUs is the owned, mutable CPU set. For non-root cells it stays
	// fixed after create; the root set shrinks and grows as CPUs move.
	CPUs *CPUSet

	// Comm is the communication page shared with the guest.
	Comm comm.Region

	// Loadable is true while the root cell may access the cell's
	// LOADABLE regions for image loading.
	Loadable bool

	// DataPages is the size of the pool slab the cell occupies.
	DataPages int

	slab []byte
	next *Cell
}

// Next returns the following cell in the registry, or nil.
func (c *Cell) Next() *Cell { return c.next }

// Name returns the configured cell name.
func (c *Cell) Name() string { return c.Config.Name }

// OwnsCPU reports whether cpu belongs to the cell.
func (c *Cell) OwnsCPU(cpu int) bool { return c.CPUs.Contains(cpu) }

// SetSlab attaches the pool block holding the cell's config copy.
func (c *Cell) SetSlab(b []byte, pages int) {
	c.slab = b
	c.DataPages = pages
}

// Slab returns the backing pool block.
func (c *Cell) Slab() []byte { return c.slab }

// Init assigns the cell the smallest free id and builds its CPU set from
// the configured bitmap. The cell must otherwise be zero-initialized and
// Config must be set.
func (c *Cell) Init(reg *Registry, pool *mempool.Pool) error {
	c.ID = reg.FreeID()

	cpus, err := NewCPUSet(c.Config.CPUBitmap, pool)
	if err != nil {
		return err
	}

	c.CPUs = cpus

	return nil
}
