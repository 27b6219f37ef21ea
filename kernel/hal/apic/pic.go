// Package apic programs the interrupt delivery path: disabling the legacy
// 8259 PICs and initializing the Local APIC and I/O APIC that replace them.
package apic

import "nucleus/kernel/cpu"

const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1

	icw1Init       = 0x11
	icw4PCAT       = 0x01
	pic1VectorBase = 0x20
	pic2VectorBase = 0x28
	maskAll        = 0xFF
)

// DisablePIC re-initializes both 8259s, remaps them to vectors 0x20/0x28 (out
// of the way of CPU exceptions) and then masks every line. The APIC takes
// over interrupt delivery entirely; the legacy PICs are left programmed but
// silent so a stray spurious IRQ from either chip can't be misinterpreted as
// a CPU exception.
func DisablePIC() {
	outbFn(pic1Command, icw1Init)
	outbFn(pic2Command, icw1Init)

	outbFn(pic1Data, pic1VectorBase)
	outbFn(pic2Data, pic2VectorBase)

	outbFn(pic1Data, 4) // tell PIC1 that PIC2 sits at IRQ2
	outbFn(pic2Data, 2) // tell PIC2 its cascade identity

	outbFn(pic1Data, icw4PCAT)
	outbFn(pic2Data, icw4PCAT)

	outbFn(pic1Data, maskAll)
	outbFn(pic2Data, maskAll)
}

// outbFn is mocked by tests.
var outbFn = cpu.Outb
