package control

import (
	"errors"
	"fmt"

	"github.com/nmi/gopart/arch"
	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/comm"
	"github.com/nmi/gopart/config"
	"github.com/nmi/gopart/mempool"
)

type mgmtTask int

const (
	taskStart mgmtTask = iota
	taskSetLoadable
	taskDestroy
)

// cellHeaderSize is the bookkeeping overhead charged to the cell slab in
// addition to the private configuration copy.
const cellHeaderSize = 256

func initErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cell.ErrSetTooLarge):
		return ErrInvalid
	case errors.Is(err, mempool.ErrExhausted):
		return ErrNoMemory
	default:
		return err
	}
}

// cellCreate builds a new cell from the configuration blob at configGPA
// in the caller's guest-physical space and returns its id. Only root
// CPUs may create cells; the whole operation runs with the root cell
// suspended.
func (hv *Hypervisor) cellCreate(cpu *cell.PerCPU, configGPA uint64) (int, error) {
	root := hv.cells.Root()

	if cpu.Cell != root {
		return 0, ErrPermission
	}

	hv.cellSuspend(root, cpu)

	defer func() {
		hv.releaseConfigWindow()
		hv.cellResume(cpu)
	}()

	if !hv.reconfigOK(nil) {
		return 0, ErrPermission
	}

	pgOffs := configGPA % config.PageSize

	// First map just enough pages for the header, which announces the
	// real blob size.
	hdrPages := int(config.PageAlign(config.HeaderLen+pgOffs) / config.PageSize)

	win, err := hv.guestConfigWindow(configGPA, hdrPages)
	if err != nil {
		return 0, err
	}

	hdr, err := config.ParseHeader(win[pgOffs:])
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrInvalid)
	}

	if hv.cells.FindByName(hdr.Name) != nil {
		return 0, ErrExists
	}

	total := hdr.TotalSize()

	cfgPages := int(config.PageAlign(total+pgOffs) / config.PageSize)
	if cfgPages > arch.NumTemporaryPages {
		return 0, ErrTooBig
	}

	win, err = hv.guestConfigWindow(configGPA, cfgPages)
	if err != nil {
		return 0, err
	}

	blob := win[pgOffs : pgOffs+total]

	cfg, err := config.ParseDesc(blob)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrInvalid)
	}

	if err := checkMemRegions(cfg); err != nil {
		return 0, err
	}

	cellPages := int(config.PageAlign(cellHeaderSize+total) / config.PageSize)

	slab, err := hv.memPool.Alloc(cellPages)
	if err != nil {
		return 0, ErrNoMemory
	}

	freeSlab := func() { _ = hv.memPool.Free(slab) }

	// The cell keeps a private copy of its configuration in the slab;
	// the temporary window is gone after this hypercall.
	copy(slab[cellHeaderSize:], blob)

	cfgCopy, err := config.ParseDesc(slab[cellHeaderSize : cellHeaderSize+int(total)])
	if err != nil {
		freeSlab()

		return 0, fmt.Errorf("%v: %w", err, ErrInvalid)
	}

	c := &cell.Cell{Config: cfgCopy}
	c.SetSlab(slab, cellPages)

	if err := c.Init(hv.cells, hv.memPool); err != nil {
		freeSlab()

		return 0, initErr(err)
	}

	releaseSet := func() { c.CPUs.Release(hv.memPool) }

	// Never assign the CPU we are currently running on.
	if c.OwnsCPU(cpu.CPUID) {
		releaseSet()
		freeSlab()

		return 0, ErrBusy
	}

	// The root cell's CPU set must be a super-set of the new cell's.
	for tc := c.CPUs.Next(-1, -1); tc <= c.CPUs.MaxCPU(); tc = c.CPUs.Next(tc, -1) {
		if !root.OwnsCPU(tc) {
			releaseSet()
			freeSlab()

			return 0, ErrBusy
		}
	}

	if err := hv.backend.CellCreate(c); err != nil {
		releaseSet()
		freeSlab()

		return 0, err
	}

	for tc := c.CPUs.Next(-1, -1); tc <= c.CPUs.MaxCPU(); tc = c.CPUs.Next(tc, -1) {
		hv.backend.ParkCPU(tc)

		root.CPUs.Clear(tc)
		hv.percpu[tc].Cell = c
		hv.percpu[tc].ClearStats()
	}

	// Move the cell's memory out of the root cell and into the new one.
	// The communication region is not backed by root memory and is never
	// unmapped from it.
	for i := range c.Config.MemRegions {
		m := &c.Config.MemRegions[i]

		if m.Flags&config.MemCommRegion == 0 {
			if err := hv.unmapFromRoot(m); err != nil {
				hv.destroyInternal(cpu, c)
				releaseSet()
				freeSlab()

				return 0, err
			}
		}

		if err := hv.backend.MapMemoryRegion(c, m); err != nil {
			hv.destroyInternal(cpu, c)
			releaseSet()
			freeSlab()

			return 0, err
		}
	}

	hv.backend.ConfigCommit(c)

	c.Comm.SetCellState(comm.CellShutDown)

	hv.cells.Append(c)

	hv.reconfigCompleted()

	controlLog.WithField("cell", c.Name()).Info("created cell")
	hv.logPoolStats("after cell creation")

	return c.ID, nil
}

// managementPrologue is the shared entry of start, set-loadable and
// destroy: caller must be a root CPU, the root cell gets suspended, the
// target located and asked for shutdown approval, then suspended too.
// Every error path resumes before returning.
func (hv *Hypervisor) managementPrologue(task mgmtTask, cpu *cell.PerCPU, id uint64) (*cell.Cell, error) {
	root := hv.cells.Root()

	if cpu.Cell != root {
		return nil, ErrPermission
	}

	hv.cellSuspend(root, cpu)

	c := hv.cells.FindByID(int(id))
	if c == nil {
		hv.cellResume(cpu)

		return nil, ErrNotFound
	}

	if c == root {
		hv.cellResume(cpu)

		return nil, ErrInvalid
	}

	if (task == taskDestroy && !hv.reconfigOK(c)) || !hv.shutdownOK(c) {
		hv.cellResume(cpu)

		return nil, ErrPermission
	}

	hv.cellSuspend(c, cpu)

	return c, nil
}

// cellStart transitions a cell to RUNNING and resets its CPUs. If the
// cell was loadable, the loaded image becomes private to it first.
func (hv *Hypervisor) cellStart(cpu *cell.PerCPU, id uint64) error {
	c, err := hv.managementPrologue(taskStart, cpu, id)
	if err != nil {
		return err
	}

	defer hv.cellResume(cpu)

	if c.Loadable {
		for i := range c.Config.MemRegions {
			m := &c.Config.MemRegions[i]
			if m.Flags&config.MemLoadable != 0 {
				if err := hv.unmapFromRoot(m); err != nil {
					return err
				}
			}
		}

		hv.backend.ConfigCommit(nil)

		c.Loadable = false
	}

	// Present a consistent communication region state to the cell.
	c.Comm.SetCellState(comm.CellRunning)
	c.Comm.ClearMessage()

	for tc := c.CPUs.Next(-1, -1); tc <= c.CPUs.MaxCPU(); tc = c.CPUs.Next(tc, -1) {
		hv.percpu[tc].Failed = false
		hv.backend.ResetCPU(tc)
	}

	controlLog.WithField("cell", c.Name()).Info("started cell")

	return nil
}

// cellSetLoadable parks the cell's CPUs and exposes its LOADABLE regions
// to the root cell for image loading. Idempotent.
func (hv *Hypervisor) cellSetLoadable(cpu *cell.PerCPU, id uint64) error {
	c, err := hv.managementPrologue(taskSetLoadable, cpu, id)
	if err != nil {
		return err
	}

	defer hv.cellResume(cpu)

	for tc := c.CPUs.Next(-1, -1); tc <= c.CPUs.MaxCPU(); tc = c.CPUs.Next(tc, -1) {
		hv.percpu[tc].Failed = false
		hv.backend.ParkCPU(tc)
	}

	if c.Loadable {
		return nil
	}

	c.Comm.SetCellState(comm.CellShutDown)
	c.Loadable = true

	for i := range c.Config.MemRegions {
		m := &c.Config.MemRegions[i]
		if m.Flags&config.MemLoadable != 0 {
			if err := hv.remapToRoot(m, abortOnError); err != nil {
				return err
			}
		}
	}

	hv.backend.ConfigCommit(nil)

	controlLog.WithField("cell", c.Name()).Info("cell can be loaded")

	return nil
}

// destroyInternal returns the cell's CPUs and memory to the root cell
// and tears down the architectural state. Used by destroy and by the
// create rollback.
func (hv *Hypervisor) destroyInternal(cpu *cell.PerCPU, c *cell.Cell) {
	root := hv.cells.Root()

	for tc := c.CPUs.Next(-1, -1); tc <= c.CPUs.MaxCPU(); tc = c.CPUs.Next(tc, -1) {
		hv.backend.ParkCPU(tc)

		root.CPUs.Set(tc)
		hv.percpu[tc].Cell = root
		hv.percpu[tc].Failed = false
		hv.percpu[tc].ClearStats()
	}

	for i := range c.Config.MemRegions {
		m := &c.Config.MemRegions[i]

		// The region was mapped as a whole, so the unmap cannot fail.
		_ = hv.backend.UnmapMemoryRegion(c, m)

		if m.Flags&config.MemCommRegion == 0 {
			// Best effort: the cell is already gone, so mapping errors
			// must not abort the reassembly of the root map.
			_ = hv.remapToRoot(m, warnOnError)
		}
	}

	hv.backend.CellDestroy(c)

	hv.backend.ConfigCommit(c)
}

// cellDestroy tears the cell down and returns its resources to the root
// cell.
func (hv *Hypervisor) cellDestroy(cpu *cell.PerCPU, id uint64) error {
	c, err := hv.managementPrologue(taskDestroy, cpu, id)
	if err != nil {
		return err
	}

	controlLog.WithField("cell", c.Name()).Info("closing cell")

	hv.destroyInternal(cpu, c)

	hv.cells.Remove(c)

	c.CPUs.Release(hv.memPool)
	_ = hv.memPool.Free(c.Slab())

	hv.logPoolStats("after cell destruction")

	hv.reconfigCompleted()

	hv.cellResume(cpu)

	return nil
}

// cellGetState returns the target cell's state word. No quiesce is
// needed: concurrent reconfiguration suspends all root CPUs and thus
// cannot return while this runs on one.
func (hv *Hypervisor) cellGetState(cpu *cell.PerCPU, id uint64) (int64, error) {
	if cpu.Cell != hv.cells.Root() {
		return 0, ErrPermission
	}

	c := hv.cells.FindByID(int(id))
	if c == nil {
		return 0, ErrNotFound
	}

	state := c.Comm.CellState()
	switch state {
	case comm.CellRunning, comm.CellRunningLocked, comm.CellShutDown, comm.CellFailed:
		return int64(state), nil
	default:
		return 0, ErrInvalid
	}
}
