package debug_test

import (
	"strings"
	"testing"

	"github.com/nmi/gopart/debug"
)

func TestDisassemble(t *testing.T) {
	t.Parallel()

	// nop; hlt
	out := debug.Disassemble([]byte{0x90, 0xf4}, 0x1000, 8)

	if !strings.Contains(out, "nop") || !strings.Contains(out, "hlt") {
		t.Errorf("unexpected listing:\n%s", out)
	}

	if !strings.Contains(out, "0x1000") || !strings.Contains(out, "0x1001") {
		t.Errorf("missing addresses:\n%s", out)
	}
}

func TestDisassembleBadBytes(t *testing.T) {
	t.Parallel()

	out := debug.Disassemble([]byte{0x0f}, 0x2000, 8)

	if !strings.Contains(out, ".byte") {
		t.Errorf("undecodable byte not marked:\n%s", out)
	}
}

func TestDisassembleHonorsMax(t *testing.T) {
	t.Parallel()

	out := debug.Disassemble([]byte{0x90, 0x90, 0x90, 0x90}, 0, 2)

	if got := strings.Count(out, "nop"); got != 2 {
		t.Errorf("instruction count: expected 2, actual %d", got)
	}
}
