package irq

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes the instruction at the given kernel-virtual address and
// returns its GNU-syntax rendering, or "?" if rip is zero or the bytes at it
// could not be decoded. Any other rip is read directly, so it must point at
// mapped memory. It is used by
// the page-fault and GPF handlers to annotate their crash dumps with the
// faulting instruction, the same way a KVM-style hypervisor would decode the
// guest instruction that triggered an MMIO exit.
func Disassemble(rip uint64) string {
	addr := uintptr(rip)
	if addr == 0 {
		return "?"
	}
	raw := (*[16]byte)(unsafe.Pointer(addr))

	inst, err := x86asm.Decode(raw[:], 64)
	if err != nil {
		return "?"
	}

	return x86asm.GNUSyntax(inst, rip, nil)
}
