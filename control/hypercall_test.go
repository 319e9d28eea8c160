package control_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nmi/gopart/cell"
	"github.com/nmi/gopart/control"
)

func TestUnknownHypercall(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if ret := m.HV.Hypercall(m.HV.PerCPU(0), 99, 0, 0); ret != -int64(unix.ENOSYS) {
		t.Errorf("expected -ENOSYS, actual %d", ret)
	}
}

func TestHypervisorGetInfo(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	caller := m.HV.PerCPU(0)

	if n := m.HV.Hypercall(caller, control.HCHypervisorGetInfo, control.InfoNumCells, 0); n != 1 {
		t.Errorf("num cells: expected 1, actual %d", n)
	}

	if n := m.HV.Hypercall(caller, control.HCHypervisorGetInfo, control.InfoMemPoolSize, 0); n != int64(m.MemPool.Pages()) {
		t.Errorf("mem pool size: expected %d, actual %d", m.MemPool.Pages(), n)
	}

	used := m.HV.Hypercall(caller, control.HCHypervisorGetInfo, control.InfoMemPoolUsed, 0)
	if used != int64(m.MemPool.Used()) {
		t.Errorf("mem pool used: expected %d, actual %d", m.MemPool.Used(), used)
	}

	if n := m.HV.Hypercall(caller, control.HCHypervisorGetInfo, control.InfoRemapPoolUsed, 0); n != 0 {
		t.Errorf("remap pool used: expected 0, actual %d", n)
	}

	if ret := m.HV.Hypercall(caller, control.HCHypervisorGetInfo, 42, 0); ret != -int64(unix.EINVAL) {
		t.Errorf("unknown kind: expected -EINVAL, actual %d", ret)
	}

	// A create leaves the cell slab charged to the pool.
	if _, err := m.CreateCell(0, blobGPA, cellADesc(rwx)); err != nil {
		t.Fatal(err)
	}

	after := m.HV.Hypercall(caller, control.HCHypervisorGetInfo, control.InfoMemPoolUsed, 0)
	if after <= used {
		t.Errorf("mem pool used after create: expected > %d, actual %d", used, after)
	}
}

func TestHypercallCountsStats(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	caller := m.HV.PerCPU(0)

	// Three dispatches from cpu 0, including the query itself.
	m.HV.Hypercall(caller, control.HCHypervisorGetInfo, control.InfoNumCells, 0)
	m.HV.Hypercall(caller, 99, 0, 0)

	got := m.HV.Hypercall(caller, control.HCCPUGetInfo, 0, control.CPUInfoStatBase+cell.StatVMExitsHypercall)
	if got != 3 {
		t.Errorf("hypercall stat: expected 3, actual %d", got)
	}
}

func TestCPUGetInfo(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	id, err := m.CreateCell(0, blobGPA, cellADesc(rwx))
	if err != nil {
		t.Fatal(err)
	}

	_ = id

	root := m.HV.PerCPU(0)

	if ret := m.HV.Hypercall(root, control.HCCPUGetInfo, 2, control.CPUInfoState); ret != control.CPUReportRunning {
		t.Errorf("cpu 2 state: expected RUNNING, actual %d", ret)
	}

	if ret := m.HV.Hypercall(root, control.HCCPUGetInfo, 100, control.CPUInfoState); ret != -int64(unix.EINVAL) {
		t.Errorf("out-of-range cpu: expected -EINVAL, actual %d", ret)
	}

	if ret := m.HV.Hypercall(root, control.HCCPUGetInfo, 0, 777); ret != -int64(unix.EINVAL) {
		t.Errorf("unknown kind: expected -EINVAL, actual %d", ret)
	}

	// A cell CPU may query itself but not foreign CPUs.
	cellCPU := m.HV.PerCPU(2)

	if ret := m.HV.Hypercall(cellCPU, control.HCCPUGetInfo, 2, control.CPUInfoState); ret != control.CPUReportRunning {
		t.Errorf("own cpu query: expected RUNNING, actual %d", ret)
	}

	if ret := m.HV.Hypercall(cellCPU, control.HCCPUGetInfo, 0, control.CPUInfoState); ret != -int64(unix.EPERM) {
		t.Errorf("foreign cpu query: expected -EPERM, actual %d", ret)
	}
}
