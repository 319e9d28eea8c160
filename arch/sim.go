package arch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/config"
)

// Simulated CPU states.
const (
	CPURunning = iota
	CPUSuspended
	CPUParked
	CPUShutdown
	CPUStopped
)

var (
	ErrWindowTooLarge = errors.New("guest mapping exceeds temporary window")
	ErrOutOfGuestMem  = errors.New("guest address outside memory")
)

// Sim is a software model of the architecture layer. It tracks per-CPU
// run states and the regions mapped into each cell so the control plane
// can be exercised and inspected without hardware.
type Sim struct {
	mu sync.Mutex

	// GuestMem backs GetGuestPages lookups.
	GuestMem []byte

	cpus         []int
	maps         map[int][]config.MemoryRegion
	commits      int
	shutdownDone bool

	// CurrentCPU is returned by ProcessorID. Tests set it to model
	// which physical CPU executes the control plane.
	CurrentCPU int

	// FailMap, when set, makes MapMemoryRegion fail for regions whose
	// PhysStart it contains. Used to exercise rollback paths.
	FailMap map[uint64]bool

	// Window is the instruction capture fed to diagnostics.
	Window   []byte
	WindowPC uint64
}

// NewSim models nCPUs physical CPUs and guestMemPages pages of guest
// memory.
func NewSim(nCPUs, guestMemPages int) *Sim {
	return &Sim{
		GuestMem: make([]byte, guestMemPages*config.PageSize),
		cpus:     make([]int, nCPUs),
		maps:     make(map[int][]config.MemoryRegion),
	}
}

func (s *Sim) setCPU(cpu, state int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cpu >= 0 && cpu < len(s.cpus) {
		s.cpus[cpu] = state
	}
}

// CPUState returns the simulated run state of cpu.
func (s *Sim) CPUState(cpu int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cpu < 0 || cpu >= len(s.cpus) {
		return CPUStopped
	}

	return s.cpus[cpu]
}

func (s *Sim) SuspendCPU(cpu int) { s.setCPU(cpu, CPUSuspended) }

// ResumeCPU lifts a suspension. A CPU that was parked, shut down or
// stopped while suspended keeps that state.
func (s *Sim) ResumeCPU(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cpu >= 0 && cpu < len(s.cpus) && s.cpus[cpu] == CPUSuspended {
		s.cpus[cpu] = CPURunning
	}
}

func (s *Sim) ParkCPU(cpu int)     { s.setCPU(cpu, CPUParked) }
func (s *Sim) ResetCPU(cpu int)    { s.setCPU(cpu, CPURunning) }
func (s *Sim) ShutdownCPU(cpu int) { s.setCPU(cpu, CPUShutdown) }

func (s *Sim) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdownDone = true
}

// ShutdownDone reports whether the hypervisor shut itself down.
func (s *Sim) ShutdownDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shutdownDone
}

func (s *Sim) PanicStop(cpu int) { s.setCPU(cpu, CPUStopped) }
func (s *Sim) PanicHalt(cpu int) { s.setCPU(cpu, CPUParked) }

func (s *Sim) ProcessorID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.CurrentCPU
}

func (s *Sim) CellCreate(c *cell.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maps[c.ID] = nil

	return nil
}

func (s *Sim) CellDestroy(c *cell.Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.maps, c.ID)
}

func (s *Sim) MapMemoryRegion(c *cell.Cell, r *config.MemoryRegion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailMap[r.PhysStart] {
		return fmt.Errorf("map %#x: simulated failure", r.PhysStart)
	}

	s.maps[c.ID] = append(s.maps[c.ID], *r)

	return nil
}

func (s *Sim) UnmapMemoryRegion(c *cell.Cell, r *config.MemoryRegion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapped := s.maps[c.ID]
	for i := range mapped {
		if mapped[i].PhysStart == r.PhysStart && mapped[i].Size == r.Size {
			s.maps[c.ID] = append(mapped[:i], mapped[i+1:]...)

			return nil
		}
	}

	// Unmapping an absent region is tolerated, as on hardware where the
	// page table walk simply finds nothing.
	return nil
}

func (s *Sim) ConfigCommit(cellChanged *cell.Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits++
}

// Commits returns how many configuration commits happened.
func (s *Sim) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commits
}

// MappedRegions returns a copy of the regions mapped into cell id.
func (s *Sim) MappedRegions(id int) []config.MemoryRegion {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]config.MemoryRegion{}, s.maps[id]...)
}

func (s *Sim) GetGuestPages(gpa uint64, pages int) ([]byte, error) {
	if pages > NumTemporaryPages {
		return nil, ErrWindowTooLarge
	}

	base := gpa &^ uint64(config.PageSize-1)
	end := base + uint64(pages)*config.PageSize

	if end > uint64(len(s.GuestMem)) {
		return nil, fmt.Errorf("gpa %#x+%d pages: %w", gpa, pages, ErrOutOfGuestMem)
	}

	return s.GuestMem[base:end], nil
}

// InstructionWindow implements InstructionCapturer.
func (s *Sim) InstructionWindow(cpu int) ([]byte, uint64) {
	return s.Window, s.WindowPC
}
