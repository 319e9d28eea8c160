// Package arch declares the architecture primitives the control plane
// consumes and provides a pure-software backend that models them.
package arch

import (
	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/config"
)

// NumTemporaryPages bounds the window GetGuestPages can map at once.
const NumTemporaryPages = 16

// Backend is the architecture collaborator. SuspendCPU is synchronous: it
// returns only once the target CPU sits in the suspended state.
type Backend interface {
	SuspendCPU(cpu int)
	ResumeCPU(cpu int)
	ParkCPU(cpu int)
	ResetCPU(cpu int)
	ShutdownCPU(cpu int)
	Shutdown()

	PanicStop(cpu int)
	PanicHalt(cpu int)

	// ProcessorID returns the physical id of the CPU executing the
	// call.
	ProcessorID() int

	CellCreate(c *cell.Cell) error
	CellDestroy(c *cell.Cell)

	MapMemoryRegion(c *cell.Cell, r *config.MemoryRegion) error
	UnmapMemoryRegion(c *cell.Cell, r *config.MemoryRegion) error

	// ConfigCommit pushes the accumulated mapping changes into the
	// hardware configuration. cellChanged is the cell whose topology
	// changed, or nil.
	ConfigCommit(cellChanged *cell.Cell)

	// GetGuestPages maps pages of guest-physical memory starting at the
	// page containing gpa read-only into the temporary window and
	// returns a view beginning at the page base.
	GetGuestPages(gpa uint64, pages int) ([]byte, error)
}

// InstructionCapturer is implemented by backends that can hand out the
// instruction bytes around a faulting guest PC for diagnostics.
type InstructionCapturer interface {
	InstructionWindow(cpu int) (code []byte, pc uint64)
}
