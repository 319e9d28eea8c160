package control

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/mempool"
)

// Hypercall codes.
const (
	HCDisable = iota
	HCCellCreate
	HCCellStart
	HCCellSetLoadable
	HCCellDestroy
	HCHypervisorGetInfo
	HCCellGetState
	HCCPUGetInfo
)

// Hypervisor info kinds.
const (
	InfoMemPoolSize = iota
	InfoMemPoolUsed
	InfoRemapPoolSize
	InfoRemapPoolUsed
	InfoNumCells
)

// CPU info kinds and reported states.
const (
	CPUInfoState    = 0
	CPUInfoStatBase = 1000

	CPUReportRunning = 0
	CPUReportFailed  = 2
)

// errno translates an operation error into the negative word the
// hypercall ABI returns.
func errno(err error) int64 {
	switch {
	case errors.Is(err, ErrPermission):
		return -int64(unix.EPERM)
	case errors.Is(err, ErrNotFound):
		return -int64(unix.ENOENT)
	case errors.Is(err, ErrExists):
		return -int64(unix.EEXIST)
	case errors.Is(err, ErrBusy):
		return -int64(unix.EBUSY)
	case errors.Is(err, ErrNoMemory), errors.Is(err, mempool.ErrExhausted):
		return -int64(unix.ENOMEM)
	case errors.Is(err, ErrTooBig):
		return -int64(unix.E2BIG)
	default:
		return -int64(unix.EINVAL)
	}
}

// Hypercall dispatches one call issued from the guest CPU owning the
// given per-CPU record. Negative returns are error codes.
func (hv *Hypervisor) Hypercall(cpu *cell.PerCPU, code, arg1, arg2 uint64) int64 {
	cpu.IncStat(cell.StatVMExitsHypercall)

	switch code {
	case HCDisable:
		return hv.shutdown(cpu)
	case HCCellCreate:
		id, err := hv.cellCreate(cpu, arg1)
		if err != nil {
			return errno(err)
		}

		return int64(id)
	case HCCellStart:
		if err := hv.cellStart(cpu, arg1); err != nil {
			return errno(err)
		}

		return 0
	case HCCellSetLoadable:
		if err := hv.cellSetLoadable(cpu, arg1); err != nil {
			return errno(err)
		}

		return 0
	case HCCellDestroy:
		if err := hv.cellDestroy(cpu, arg1); err != nil {
			return errno(err)
		}

		return 0
	case HCHypervisorGetInfo:
		v, err := hv.hypervisorGetInfo(arg1)
		if err != nil {
			return errno(err)
		}

		return v
	case HCCellGetState:
		v, err := hv.cellGetState(cpu, arg1)
		if err != nil {
			return errno(err)
		}

		return v
	case HCCPUGetInfo:
		v, err := hv.cpuGetInfo(cpu, arg1, arg2)
		if err != nil {
			return errno(err)
		}

		return v
	default:
		return -int64(unix.ENOSYS)
	}
}

func (hv *Hypervisor) hypervisorGetInfo(kind uint64) (int64, error) {
	switch kind {
	case InfoMemPoolSize:
		return int64(hv.memPool.Pages()), nil
	case InfoMemPoolUsed:
		return int64(hv.memPool.Used()), nil
	case InfoRemapPoolSize:
		return int64(hv.remapPool.Pages()), nil
	case InfoRemapPoolUsed:
		return int64(hv.remapPool.Used()), nil
	case InfoNumCells:
		return int64(hv.cells.Len()), nil
	default:
		return 0, ErrInvalid
	}
}

// cpuGetInfo reports run state or a statistics counter of a CPU. The id
// must exist in the system configuration, and non-root callers may only
// query their own CPUs. No explicit synchronization with destroy is
// needed: its quiesce cannot return while this hypercall executes.
func (hv *Hypervisor) cpuGetInfo(cpu *cell.PerCPU, cpuID, kind uint64) (int64, error) {
	if !hv.sys.CPUIDValid(cpuID) {
		return 0, ErrInvalid
	}

	if cpu.Cell != hv.cells.Root() && !cpu.Cell.OwnsCPU(int(cpuID)) {
		return 0, ErrPermission
	}

	target := hv.percpu[cpuID]

	switch {
	case kind == CPUInfoState:
		if target.Failed {
			return CPUReportFailed, nil
		}

		return CPUReportRunning, nil
	case kind >= CPUInfoStatBase && kind-CPUInfoStatBase < cell.NumStats:
		return int64(target.Stat(int(kind - CPUInfoStatBase))), nil
	default:
		return 0, ErrInvalid
	}
}
