// Package control is the cell lifecycle and reconfiguration engine: it
// owns the registry, the per-CPU records, the quiesce protocol and the
// hypercall surface.
package control

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nmi/gopart/arch"
	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/comm"
	"github.com/nmi/gopart/config"
	"github.com/nmi/gopart/mempool"
)

var controlLog = logrus.WithField("source", "control")

// SetLogger redirects the package logs.
func SetLogger(l *logrus.Logger) {
	controlLog = l.WithField("source", "control")
}

var (
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("no such cell")
	ErrInvalid    = errors.New("invalid argument")
	ErrExists     = errors.New("cell name already exists")
	ErrBusy       = errors.New("cpu busy")
	ErrNoMemory   = errors.New("out of memory")
	ErrTooBig     = errors.New("configuration too big")
)

type msgType int

const (
	msgRequest msgType = iota
	msgInformation
)

// Hypervisor binds the load-bearing globals (root cell, immutable
// system configuration, shutdown lock) into one value threaded through
// all operations.
type Hypervisor struct {
	backend   arch.Backend
	sys       *config.System
	cells     *cell.Registry
	percpu    []*cell.PerCPU
	memPool   *mempool.Pool
	remapPool *mempool.Pool

	shutdownLock sync.Mutex

	// window is the live temporary-mapping reservation, charged to the
	// remap pool. Reuse is serialized by root-cell suspension.
	window []byte

	// warnAfter, when non-zero, makes the messenger log a diagnostic
	// once a guest has not replied for that long. The wait itself stays
	// unbounded: the protocol has no cancellation.
	warnAfter time.Duration

	panicCPU        atomic.Int64
	panicInProgress atomic.Bool
}

// New constructs the hypervisor around a statically known system
// configuration. All CPUs the configuration enables start out homed to
// the root cell.
func New(backend arch.Backend, sys *config.System, memPool, remapPool *mempool.Pool) (*Hypervisor, error) {
	root := &cell.Cell{Config: &sys.RootCell}

	cpus, err := cell.NewCPUSet(sys.RootCell.CPUBitmap, memPool)
	if err != nil {
		return nil, err
	}

	root.CPUs = cpus

	hv := &Hypervisor{
		backend:   backend,
		sys:       sys,
		cells:     cell.NewRegistry(root),
		percpu:    make([]*cell.PerCPU, len(sys.RootCell.CPUBitmap)*8),
		memPool:   memPool,
		remapPool: remapPool,
	}

	hv.panicCPU.Store(-1)

	for i := range hv.percpu {
		hv.percpu[i] = &cell.PerCPU{CPUID: i}
		if root.OwnsCPU(i) {
			hv.percpu[i].Cell = root
		}
	}

	root.Comm.SetCellState(comm.CellRunning)

	return hv, nil
}

// SetMessageWarnTimeout arms the messenger's diagnostic log for guests
// that do not reply within d. Zero disables it.
func (hv *Hypervisor) SetMessageWarnTimeout(d time.Duration) {
	hv.warnAfter = d
}

// PerCPU returns the record of the given physical CPU, or nil for ids
// beyond the capacity of the system CPU bitmap. CPUs inside that range
// that the configuration does not enable have a record with no cell.
func (hv *Hypervisor) PerCPU(cpu int) *cell.PerCPU {
	if cpu < 0 || cpu >= len(hv.percpu) {
		return nil
	}

	return hv.percpu[cpu]
}

// Cells returns the registry.
func (hv *Hypervisor) Cells() *cell.Registry { return hv.cells }

// cellSuspend sends a synchronous suspend to every CPU of c except the
// caller's. On return all targets sit in the suspended state.
func (hv *Hypervisor) cellSuspend(c *cell.Cell, caller *cell.PerCPU) {
	set := c.CPUs
	for cpu := set.Next(-1, caller.CPUID); cpu <= set.MaxCPU(); cpu = set.Next(cpu, caller.CPUID) {
		hv.backend.SuspendCPU(cpu)
	}
}

// cellResume resumes every CPU of the caller's current cell except the
// caller's own.
func (hv *Hypervisor) cellResume(caller *cell.PerCPU) {
	set := caller.Cell.CPUs
	for cpu := set.Next(-1, caller.CPUID); cpu <= set.MaxCPU(); cpu = set.Next(cpu, caller.CPUID) {
		hv.backend.ResumeCPU(cpu)
	}
}

// sendMessage delivers a message to the cell and spins for the reply.
// It returns true when a request was approved or an information message
// acknowledged, and vacuously when the cell is passive, shut down or
// failed. The wait is unbounded; callers run it inside a suspended-root
// window so the guest reply is the only concurrent event possible.
func (hv *Hypervisor) sendMessage(c *cell.Cell, msg uint32, typ msgType) bool {
	if c.Config.Flags&config.CellPassiveCommReg != 0 {
		return true
	}

	c.Comm.PostMessage(msg)

	start := time.Now()
	warned := false

	for {
		reply := c.Comm.ReplyFromCell()
		state := c.Comm.CellState()

		if state == comm.CellShutDown || state == comm.CellFailed {
			return true
		}

		if (typ == msgRequest && reply == comm.ReplyApproved) ||
			(typ == msgInformation && reply == comm.ReplyReceived) {
			return true
		}

		if reply != comm.MsgNone {
			return false
		}

		if hv.warnAfter > 0 && !warned && time.Since(start) > hv.warnAfter {
			controlLog.WithFields(logrus.Fields{
				"cell": c.Name(),
				"msg":  msg,
			}).Warn("cell is not answering on its comm region")

			warned = true
		}

		runtime.Gosched()
	}
}

// reconfigOK reports whether no non-root cell other than excluded
// currently refuses reconfiguration (sits in RUNNING_LOCKED).
func (hv *Hypervisor) reconfigOK(excluded *cell.Cell) bool {
	for c := hv.cells.Root().Next(); c != nil; c = c.Next() {
		if c != excluded && c.Comm.CellState() == comm.CellRunningLocked {
			return false
		}
	}

	return true
}

// reconfigCompleted tells every non-root cell that the cell set changed.
func (hv *Hypervisor) reconfigCompleted() {
	for c := hv.cells.Root().Next(); c != nil; c = c.Next() {
		hv.sendMessage(c, comm.MsgReconfigCompleted, msgInformation)
	}
}

// shutdownOK asks the cell for permission to shut it down.
func (hv *Hypervisor) shutdownOK(c *cell.Cell) bool {
	return hv.sendMessage(c, comm.MsgShutdownRequest, msgRequest)
}

// guestConfigWindow (re)maps a guest configuration blob into the bounded
// temporary window, charging the reservation to the remap pool.
func (hv *Hypervisor) guestConfigWindow(gpa uint64, pages int) ([]byte, error) {
	hv.releaseConfigWindow()

	blk, err := hv.remapPool.Alloc(pages)
	if err != nil {
		return nil, err
	}

	win, err := hv.backend.GetGuestPages(gpa, pages)
	if err != nil {
		_ = hv.remapPool.Free(blk)

		controlLog.WithError(err).Debug("mapping guest config pages failed")

		return nil, ErrNoMemory
	}

	hv.window = blk

	return win, nil
}

func (hv *Hypervisor) releaseConfigWindow() {
	if hv.window != nil {
		_ = hv.remapPool.Free(hv.window)
		hv.window = nil
	}
}

func (hv *Hypervisor) logPoolStats(when string) {
	controlLog.WithFields(logrus.Fields{
		"mem_pool_used":   hv.memPool.Used(),
		"mem_pool_pages":  hv.memPool.Pages(),
		"remap_pool_used": hv.remapPool.Used(),
	}).Debug(when)
}
