package control

import (
	"golang.org/x/sys/unix"

	"github.com/nmi/gopart/arch"
	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/comm"
	"github.com/nmi/gopart/debug"
)

// shutdown implements the DISABLE hypercall. Exactly one root CPU makes
// the collective decision under the shutdown lock: start the shutdown if
// every non-root cell approves, otherwise record the refusal. All other
// root CPUs observe the decision through their shutdown state.
func (hv *Hypervisor) shutdown(cpu *cell.PerCPU) int64 {
	root := hv.cells.Root()

	if cpu.Cell != root {
		return -int64(unix.EPERM)
	}

	hv.shutdownLock.Lock()
	defer hv.shutdownLock.Unlock()

	if cpu.ShutdownState == cell.ShutdownNone {
		state := cell.ShutdownStarted

		for c := root.Next(); c != nil; c = c.Next() {
			if !hv.shutdownOK(c) {
				state = -int64(unix.EPERM)
			}
		}

		if state == cell.ShutdownStarted {
			controlLog.Info("shutting down hypervisor")

			for c := root.Next(); c != nil; c = c.Next() {
				hv.cellSuspend(c, cpu)

				controlLog.WithField("cell", c.Name()).Info("closing cell")

				set := c.CPUs
				for tc := set.Next(-1, -1); tc <= set.MaxCPU(); tc = set.Next(tc, -1) {
					controlLog.WithField("cpu", tc).Info("releasing CPU")
					hv.backend.ShutdownCPU(tc)
				}
			}

			controlLog.WithField("cell", root.Name()).Info("closing root cell")
			hv.backend.Shutdown()
		}

		set := root.CPUs
		for rc := set.Next(-1, -1); rc <= set.MaxCPU(); rc = set.Next(rc, -1) {
			hv.percpu[rc].ShutdownState = state
		}
	}

	var ret int64

	if cpu.ShutdownState == cell.ShutdownStarted {
		controlLog.WithField("cpu", cpu.CPUID).Info("releasing CPU")

		ret = 0
	} else {
		ret = cpu.ShutdownState
	}

	cpu.ShutdownState = cell.ShutdownNone

	return ret
}

// BeginPanic records that physCPU entered a panic path. Other CPUs can
// observe the flag and abort their own work.
func (hv *Hypervisor) BeginPanic(physCPU int) {
	hv.panicCPU.Store(int64(physCPU))
	hv.panicInProgress.Store(true)
}

// PanicInProgress reports whether a panic is being handled.
func (hv *Hypervisor) PanicInProgress() bool {
	return hv.panicInProgress.Load()
}

func (hv *Hypervisor) endPanicIfOwner() {
	if int64(hv.backend.ProcessorID()) == hv.panicCPU.Load() {
		hv.panicInProgress.Store(false)
	}
}

// PanicStop marks the CPU stopped and hands it to the architecture stop
// primitive. When the backend can capture the faulting instruction
// window, it is rendered into the log first.
func (hv *Hypervisor) PanicStop(cpu *cell.PerCPU) {
	entry := controlLog

	if cpu != nil {
		entry = controlLog.WithField("cpu", cpu.CPUID)
		cpu.Stopped = true
	}

	entry.Error("stopping CPU")

	if cpu != nil {
		if ic, ok := hv.backend.(arch.InstructionCapturer); ok {
			if code, pc := ic.InstructionWindow(cpu.CPUID); len(code) > 0 {
				entry.Error(debug.Disassemble(code, pc, 8))
			}
		}
	}

	hv.endPanicIfOwner()

	id := -1
	if cpu != nil {
		id = cpu.CPUID
	}

	hv.backend.PanicStop(id)
}

// PanicHalt marks the CPU failed; when every CPU of its cell has failed,
// the cell is moved to the FAILED state.
func (hv *Hypervisor) PanicHalt(cpu *cell.PerCPU) {
	c := cpu.Cell

	controlLog.WithField("cpu", cpu.CPUID).Error("parking CPU")

	cpu.Failed = true

	cellFailed := true

	set := c.CPUs
	for tc := set.Next(-1, -1); tc <= set.MaxCPU(); tc = set.Next(tc, -1) {
		if !hv.percpu[tc].Failed {
			cellFailed = false

			break
		}
	}

	if cellFailed {
		c.Comm.SetCellState(comm.CellFailed)
	}

	hv.backend.PanicHalt(cpu.CPUID)

	hv.endPanicIfOwner()
}
