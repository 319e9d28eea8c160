// Package debug renders instruction windows captured around a faulting
// guest PC into readable form for the panic paths.
package debug

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes up to max instructions of code, assuming 64-bit
// mode, and returns one GNU-syntax line per instruction. Undecodable
// bytes end the listing with a raw marker.
func Disassemble(code []byte, pc uint64, max int) string {
	var b strings.Builder

	for i := 0; i < max && len(code) > 0; i++ {
		inst, err := x86asm.Decode(code, 64)
		// A truncated instruction decodes as a bare prefix with no
		// opcode; treat it like any other undecodable byte.
		if err != nil || inst.Op == 0 {
			fmt.Fprintf(&b, "%#x: .byte %#02x\n", pc, code[0])

			break
		}

		fmt.Fprintf(&b, "%#x: %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))

		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}

	return b.String()
}
