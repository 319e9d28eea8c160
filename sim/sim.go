// Package sim wires the control plane to the software architecture
// backend and runs in-process guests against it. It is what the CLI
// drives and what the heavier tests build on.
package sim

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nmi/gopart/arch"
	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/comm"
	"github.com/nmi/gopart/config"
	"github.com/nmi/gopart/control"
	"github.com/nmi/gopart/mempool"
)

// Machine is a simulated host: a hypervisor, its backend and the guest
// agents answering on the communication regions.
type Machine struct {
	HV      *control.Hypervisor
	Backend *arch.Sim

	MemPool   *mempool.Pool
	RemapPool *mempool.Pool

	mu    sync.Mutex
	eg    errgroup.Group
	stops []chan struct{}
}

// RootBitmap returns a bitmap with the first n CPU bits set.
func RootBitmap(n int) []byte {
	b := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		b[i/8] |= 1 << (i % 8)
	}

	return b
}

// New builds a machine with nCPUs CPUs and the given root memory
// regions, all owned by the root cell at start.
func New(nCPUs, guestMemPages int, rootRegions []config.MemoryRegion) (*Machine, error) {
	sys := &config.System{
		RootCell: config.Desc{
			Name:       "root",
			CPUBitmap:  RootBitmap(nCPUs),
			MemRegions: rootRegions,
		},
	}

	backend := arch.NewSim(nCPUs, guestMemPages)

	memPool := mempool.New(1024)
	remapPool := mempool.New(arch.NumTemporaryPages)

	hv, err := control.New(backend, sys, memPool, remapPool)
	if err != nil {
		return nil, fmt.Errorf("hypervisor init: %w", err)
	}

	// Mirror the boot state: every root region is mapped into root.
	root := hv.Cells().Root()
	for i := range rootRegions {
		if err := backend.MapMemoryRegion(root, &rootRegions[i]); err != nil {
			return nil, err
		}
	}

	return &Machine{
		HV:        hv,
		Backend:   backend,
		MemPool:   memPool,
		RemapPool: remapPool,
	}, nil
}

// WriteGuestConfig serializes d into guest memory at gpa and returns the
// blob size.
func (m *Machine) WriteGuestConfig(gpa uint64, d *config.Desc) (int, error) {
	b, err := d.Bytes()
	if err != nil {
		return 0, err
	}

	if gpa+uint64(len(b)) > uint64(len(m.Backend.GuestMem)) {
		return 0, arch.ErrOutOfGuestMem
	}

	copy(m.Backend.GuestMem[gpa:], b)

	return len(b), nil
}

// StartAgent runs a guest agent against the cell's comm region until
// Stop. approve controls how it answers shutdown requests.
func (m *Machine) StartAgent(c *cell.Cell, approve bool) {
	stop := make(chan struct{})

	m.mu.Lock()
	m.stops = append(m.stops, stop)
	m.mu.Unlock()

	region := &c.Comm

	m.eg.Go(func() error {
		var last uint64

		for {
			select {
			case <-stop:
				return nil
			default:
			}

			msg, seq := region.PendingMessage()
			if msg != comm.MsgNone && seq != last {
				last = seq

				switch msg {
				case comm.MsgShutdownRequest:
					if approve {
						region.Reply(comm.ReplyApproved)
					} else {
						region.Reply(comm.ReplyDenied)
					}
				case comm.MsgReconfigCompleted:
					region.Reply(comm.ReplyReceived)
				}
			}

			runtime.Gosched()
		}
	})
}

// Stop terminates all agents and waits for them.
func (m *Machine) Stop() error {
	m.mu.Lock()
	for _, stop := range m.stops {
		close(stop)
	}
	m.stops = nil
	m.mu.Unlock()

	return m.eg.Wait()
}

// CreateCell writes the descriptor into guest memory and issues the
// create hypercall from root CPU callerCPU.
func (m *Machine) CreateCell(callerCPU int, gpa uint64, d *config.Desc) (int, error) {
	if _, err := m.WriteGuestConfig(gpa, d); err != nil {
		return 0, err
	}

	ret := m.HV.Hypercall(m.HV.PerCPU(callerCPU), control.HCCellCreate, gpa, 0)
	if ret < 0 {
		return 0, fmt.Errorf("cell create failed: errno %d", -ret)
	}

	return int(ret), nil
}
