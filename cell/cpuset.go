package cell

import (
	"errors"

	"github.com/nmi/gopart/config"
	"github.com/nmi/gopart/mempool"
)

// smallSetBytes is the inline bitmap capacity. Configurations naming more
// CPUs than fit here get a whole pool page for their bitmap instead.
const smallSetBytes = 64

var (
	ErrSetTooLarge = errors.New("cpu set bitmap exceeds one page")
)

// CPUSet is a fixed-capacity bitmap over physical CPU ids. Capacity is
// declared at init from the configured bitmap size and never grows.
type CPUSet struct {
	maxCPU int
	bitmap []byte
	small  [smallSetBytes]byte
	pooled bool
}

// NewCPUSet builds a set from a configured bitmap, copying it into inline
// storage or a single pool page.
func NewCPUSet(bitmap []byte, pool *mempool.Pool) (*CPUSet, error) {
	if len(bitmap) > config.PageSize {
		return nil, ErrSetTooLarge
	}

	s := &CPUSet{maxCPU: len(bitmap)*8 - 1}

	if len(bitmap) > smallSetBytes {
		page, err := pool.Alloc(1)
		if err != nil {
			return nil, err
		}

		s.bitmap = page
		s.pooled = true
	} else {
		s.bitmap = s.small[:]
	}

	copy(s.bitmap, bitmap)

	return s, nil
}

// Release returns pool-backed storage. The set must not be used
// afterwards.
func (s *CPUSet) Release(pool *mempool.Pool) {
	if s.pooled {
		_ = pool.Free(s.bitmap)
		s.bitmap = nil
	}
}

// MaxCPU returns the highest CPU id the set can represent.
func (s *CPUSet) MaxCPU() int { return s.maxCPU }

// Contains reports membership of cpu.
func (s *CPUSet) Contains(cpu int) bool {
	if cpu < 0 || cpu > s.maxCPU {
		return false
	}

	return s.bitmap[cpu/8]&(1<<(cpu%8)) != 0
}

// Set adds cpu to the set.
func (s *CPUSet) Set(cpu int) {
	if cpu >= 0 && cpu <= s.maxCPU {
		s.bitmap[cpu/8] |= 1 << (cpu % 8)
	}
}

// Clear removes cpu from the set.
func (s *CPUSet) Clear(cpu int) {
	if cpu >= 0 && cpu <= s.maxCPU {
		s.bitmap[cpu/8] &^= 1 << (cpu % 8)
	}
}

// Next returns the smallest member greater than cpu, skipping except.
// The result is greater than MaxCPU when no member remains; start with
// cpu = -1. Pass except = -1 to exclude nothing.
func (s *CPUSet) Next(cpu, except int) int {
	cpu++
	for cpu <= s.maxCPU && (cpu == except || !s.Contains(cpu)) {
		cpu++
	}

	return cpu
}

// Count returns the number of members.
func (s *CPUSet) Count() int {
	n := 0
	for cpu := s.Next(-1, -1); cpu <= s.maxCPU; cpu = s.Next(cpu, -1) {
		n++
	}

	return n
}
