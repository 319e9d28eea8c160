package control

import (
	"fmt"

	"github.com/nmi/gopart/config"
)

type failureMode int

const (
	abortOnError failureMode = iota
	warnOnError
)

// checkMemRegions validates alignment and flags of every region in the
// descriptor.
func checkMemRegions(d *config.Desc) error {
	for i := range d.MemRegions {
		m := &d.MemRegions[i]

		if m.PhysStart%config.PageSize != 0 ||
			m.VirtStart%config.PageSize != 0 ||
			m.Size%config.PageSize != 0 ||
			m.Flags&^uint32(config.MemValidFlags) != 0 {
			controlLog.Errorf("invalid memory region (%#x, %#x, %#x, %#x)",
				m.PhysStart, m.VirtStart, m.Size, m.Flags)

			return fmt.Errorf("region %d: %w", i, ErrInvalid)
		}
	}

	return nil
}

func addressInRegion(addr uint64, r *config.MemoryRegion) bool {
	return addr >= r.PhysStart && addr < r.PhysStart+r.Size
}

// overlapRegion intersects m with the root region r in physical address
// space and translates the result into r's virtual window. ok is false
// when the two are disjoint.
func overlapRegion(m, r *config.MemoryRegion) (overlap config.MemoryRegion, ok bool) {
	switch {
	case addressInRegion(m.PhysStart, r):
		overlap.PhysStart = m.PhysStart
		overlap.Size = r.Size - (overlap.PhysStart - r.PhysStart)

		if overlap.Size > m.Size {
			overlap.Size = m.Size
		}
	case addressInRegion(r.PhysStart, m):
		overlap.PhysStart = r.PhysStart
		overlap.Size = m.Size - (overlap.PhysStart - m.PhysStart)

		if overlap.Size > r.Size {
			overlap.Size = r.Size
		}
	default:
		return overlap, false
	}

	overlap.VirtStart = r.VirtStart + overlap.PhysStart - r.PhysStart
	overlap.Flags = r.Flags

	return overlap, true
}

// unmapFromRoot removes the region from the root cell map. The root cell
// has a guaranteed identity mapping, so unmap by physical address. Must
// not be called with COMM_REGION regions.
func (hv *Hypervisor) unmapFromRoot(m *config.MemoryRegion) error {
	tmp := *m
	tmp.VirtStart = tmp.PhysStart

	return hv.backend.UnmapMemoryRegion(hv.cells.Root(), &tmp)
}

// remapToRoot maps every part of m that belongs to a root configuration
// region back into the root cell. With warnOnError, mapping failures are
// logged and the walk continues; the last failure is still reported so
// best-effort callers see that something went wrong.
func (hv *Hypervisor) remapToRoot(m *config.MemoryRegion, mode failureMode) error {
	root := hv.cells.Root()

	var err error

	for i := range root.Config.MemRegions {
		overlap, ok := overlapRegion(m, &root.Config.MemRegions[i])
		if !ok {
			continue
		}

		if e := hv.backend.MapMemoryRegion(root, &overlap); e != nil {
			err = e
			if mode == abortOnError {
				break
			}

			controlLog.WithError(e).Warn("failed to re-assign memory region to root cell")
		}
	}

	return err
}
