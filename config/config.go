package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	PageSize = 4096

	// NameLen is the fixed size of the name field in a cell descriptor,
	// including the terminating NUL.
	NameLen = 32

	// HeaderLen is the size of the serialized descriptor header. The CPU
	// bitmap and the memory region table follow it back to back.
	HeaderLen = 48

	// RegionLen is the size of one serialized memory region descriptor.
	RegionLen = 32
)

// Memory region flags.
const (
	MemRead       = 1 << 0
	MemWrite      = 1 << 1
	MemExecute    = 1 << 2
	MemDMA        = 1 << 3
	MemCommRegion = 1 << 4
	MemLoadable   = 1 << 5

	MemValidFlags = MemRead | MemWrite | MemExecute | MemDMA |
		MemCommRegion | MemLoadable
)

// Cell flags.
const (
	// CellPassiveCommReg marks a cell that never answers on its
	// communication region. All messages to it count as approved.
	CellPassiveCommReg = 1 << 0
)

var (
	ErrTruncated    = errors.New("cell descriptor truncated")
	ErrNameNotNul   = errors.New("cell name not NUL terminated")
	ErrRegionFormat = errors.New("invalid memory region")
)

// MemoryRegion describes one slice of guest physical memory. All fields
// must be page aligned; Flags is a subset of MemValidFlags.
type MemoryRegion struct {
	PhysStart uint64
	VirtStart uint64
	Size      uint64
	Flags     uint32
}

// header is the wire form of the descriptor head, little endian.
type header struct {
	Name             [NameLen]byte
	Flags            uint32
	CPUSetSize       uint32
	NumMemoryRegions uint32
	_                uint32
}

// region is the wire form of one memory region.
type region struct {
	PhysStart uint64
	VirtStart uint64
	Size      uint64
	Flags     uint32
	_         uint32
}

// Desc is a parsed cell descriptor: the name, cell flags, the raw CPU
// bitmap (one bit per physical CPU id, ascending, little endian bytes)
// and the ordered memory region table.
type Desc struct {
	Name       string
	Flags      uint32
	CPUBitmap  []byte
	MemRegions []MemoryRegion
}

// HeaderInfo carries the sizing fields needed before the full blob is
// available, so a caller can map exactly the pages the blob occupies.
type HeaderInfo struct {
	Name             string
	CPUSetSize       uint32
	NumMemoryRegions uint32
}

// TotalSize returns the full serialized size of the descriptor the
// header announces.
func (h *HeaderInfo) TotalSize() uint64 {
	return HeaderLen + uint64(h.CPUSetSize) +
		uint64(h.NumMemoryRegions)*RegionLen
}

// ParseHeader decodes only the descriptor head of b.
func ParseHeader(b []byte) (*HeaderInfo, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("header needs %d bytes, have %d: %w",
			HeaderLen, len(b), ErrTruncated)
	}

	var h header
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &h); err != nil {
		return nil, err
	}

	name, err := cString(h.Name[:])
	if err != nil {
		return nil, err
	}

	return &HeaderInfo{
		Name:             name,
		CPUSetSize:       h.CPUSetSize,
		NumMemoryRegions: h.NumMemoryRegions,
	}, nil
}

// ParseDesc decodes a complete descriptor blob.
func ParseDesc(b []byte) (*Desc, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}

	total := hdr.TotalSize()
	if uint64(len(b)) < total {
		return nil, fmt.Errorf("descriptor needs %d bytes, have %d: %w",
			total, len(b), ErrTruncated)
	}

	d := &Desc{Name: hdr.Name}

	var h header
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &h); err != nil {
		return nil, err
	}

	d.Flags = h.Flags
	d.CPUBitmap = append([]byte{}, b[HeaderLen:HeaderLen+int(h.CPUSetSize)]...)

	r := bytes.NewReader(b[HeaderLen+int(h.CPUSetSize):])

	for n := uint32(0); n < h.NumMemoryRegions; n++ {
		var reg region
		if err := binary.Read(r, binary.LittleEndian, &reg); err != nil {
			return nil, fmt.Errorf("region %d: %w", n, ErrRegionFormat)
		}

		d.MemRegions = append(d.MemRegions, MemoryRegion{
			PhysStart: reg.PhysStart,
			VirtStart: reg.VirtStart,
			Size:      reg.Size,
			Flags:     reg.Flags,
		})
	}

	return d, nil
}

// Bytes serializes d back into wire form.
func (d *Desc) Bytes() ([]byte, error) {
	if len(d.Name) >= NameLen {
		return nil, ErrNameNotNul
	}

	var h header

	copy(h.Name[:], d.Name)
	h.Flags = d.Flags
	h.CPUSetSize = uint32(len(d.CPUBitmap))
	h.NumMemoryRegions = uint32(len(d.MemRegions))

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return nil, err
	}

	buf.Write(d.CPUBitmap)

	for i := range d.MemRegions {
		m := &d.MemRegions[i]
		reg := region{
			PhysStart: m.PhysStart,
			VirtStart: m.VirtStart,
			Size:      m.Size,
			Flags:     m.Flags,
		}

		if err := binary.Write(buf, binary.LittleEndian, &reg); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// TotalSize returns the serialized size of d.
func (d *Desc) TotalSize() uint64 {
	return HeaderLen + uint64(len(d.CPUBitmap)) +
		uint64(len(d.MemRegions))*RegionLen
}

// System is the boot-time configuration. It is immutable after the
// hypervisor is constructed. RootCell describes the root cell: its CPU
// bitmap is the set of CPUs the system enables at all.
type System struct {
	RootCell Desc
}

// CPUIDValid reports whether id names a CPU the system configuration
// enables.
func (s *System) CPUIDValid(id uint64) bool {
	bitmap := s.RootCell.CPUBitmap

	return id < uint64(len(bitmap))*8 && bitmap[id/8]&(1<<(id%8)) != 0
}

func cString(b []byte) (string, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", ErrNameNotNul
	}

	return string(b[:i]), nil
}

// PageAlign rounds size up to the next page boundary.
func PageAlign(size uint64) uint64 {
	return (size + PageSize - 1) &^ uint64(PageSize-1)
}
