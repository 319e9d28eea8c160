package flag

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/nmi/gopart/config"
	"github.com/nmi/gopart/control"
	"github.com/nmi/gopart/sim"
)

type CLI struct {
	Demo DemoCMD `cmd:"" help:"Run a cell lifecycle demo against the simulated backend."`
}

type DemoCMD struct {
	CPUs          int    `short:"c" default:"4" help:"Number of physical CPUs."`
	GuestMemPages int    `short:"m" default:"64" help:"Guest memory size in pages."`
	CellCPUs      string `default:"3" help:"CPU list for the demo cell, e.g. 2-3."`
	Verbose       bool   `short:"v" help:"Enable debug logging."`
}

func Parse() error {
	c := CLI{}

	programName := "gopart"
	programDesc := "gopart is the control plane of a static-partitioning hypervisor, " +
		"driving cell lifecycle over a simulated architecture backend"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (d *DemoCMD) Run() error {
	if d.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	memBytes := uint64(d.GuestMemPages) * config.PageSize

	// One root RAM region covering all of guest memory, identity mapped.
	rootRegions := []config.MemoryRegion{{
		PhysStart: 0,
		VirtStart: 0,
		Size:      memBytes,
		Flags:     config.MemRead | config.MemWrite | config.MemExecute,
	}}

	m, err := sim.New(d.CPUs, d.GuestMemPages, rootRegions)
	if err != nil {
		return err
	}

	defer func() {
		_ = m.Stop()
	}()

	cellBitmap, err := ParseCPUList(d.CellCPUs)
	if err != nil {
		return err
	}

	// Give the demo cell the last quarter of guest memory.
	cellMemStart := memBytes / 4 * 3

	desc := &config.Desc{
		Name:      "demo-cell",
		CPUBitmap: cellBitmap,
		MemRegions: []config.MemoryRegion{{
			PhysStart: cellMemStart,
			VirtStart: 0,
			Size:      memBytes - cellMemStart,
			Flags:     config.MemRead | config.MemWrite | config.MemExecute | config.MemLoadable,
		}},
	}

	caller := 0

	id, err := m.CreateCell(caller, config.PageSize, desc)
	if err != nil {
		return err
	}

	c := m.HV.Cells().FindByID(id)
	m.StartAgent(c, true)

	logrus.WithFields(logrus.Fields{
		"id":    id,
		"state": m.HV.Hypercall(m.HV.PerCPU(caller), control.HCCellGetState, uint64(id), 0),
		"cells": m.HV.Hypercall(m.HV.PerCPU(caller), control.HCHypervisorGetInfo, control.InfoNumCells, 0),
	}).Info("cell created")

	if ret := m.HV.Hypercall(m.HV.PerCPU(caller), control.HCCellSetLoadable, uint64(id), 0); ret != 0 {
		return fmt.Errorf("set loadable failed: errno %d", -ret)
	}

	if ret := m.HV.Hypercall(m.HV.PerCPU(caller), control.HCCellStart, uint64(id), 0); ret != 0 {
		return fmt.Errorf("cell start failed: errno %d", -ret)
	}

	logrus.WithFields(logrus.Fields{
		"state":         m.HV.Hypercall(m.HV.PerCPU(caller), control.HCCellGetState, uint64(id), 0),
		"mem_pool_used": m.HV.Hypercall(m.HV.PerCPU(caller), control.HCHypervisorGetInfo, control.InfoMemPoolUsed, 0),
	}).Info("cell running")

	if ret := m.HV.Hypercall(m.HV.PerCPU(caller), control.HCCellDestroy, uint64(id), 0); ret != 0 {
		return fmt.Errorf("cell destroy failed: errno %d", -ret)
	}

	logrus.Info("cell destroyed, shutting down")

	if ret := m.HV.Hypercall(m.HV.PerCPU(caller), control.HCDisable, 0, 0); ret != 0 {
		return fmt.Errorf("shutdown failed: errno %d", -ret)
	}

	return nil
}
