package cpu

import "unsafe"

// Segment selectors installed by InstallGDT, in the fixed order the GDT
// entries are appended. The null descriptor occupies index 0.
const (
	KernelCodeSelector = uint16(1 << 3)
	KernelDataSelector = uint16(2 << 3)
	UserCodeSelector   = uint16(3<<3 | 3)
	UserDataSelector   = uint16(4<<3 | 3)
	tssSelector        = uint16(5 << 3)
)

// doubleFaultISTIndex is the IST slot used by the double-fault gate. A
// dedicated stack here means a double fault triggered by a stack overflow
// can still be handled.
const doubleFaultISTIndex = 0

const (
	doubleFaultStackSize = 5 * 4096
	kernelStackSize      = 5 * 4096
)

var (
	doubleFaultStack [doubleFaultStackSize]byte
	kernelStack      [kernelStackSize]byte

	installGDTFn = installGDT
)

// InitGDT installs a GDT with kernel/user code and data segments plus a TSS,
// then loads the kernel data/code selectors and the TSS selector. IST[0] and
// RSP0 in the TSS point to the dedicated stacks declared above so exception
// handlers never run on a potentially corrupted stack.
func InitGDT() {
	installGDTFn(tssSelector, doubleFaultISTIndex, stackTop(&doubleFaultStack), stackTop(&kernelStack))
}

func stackTop(stack *[doubleFaultStackSize]byte) uintptr {
	return uintptr(unsafe.Pointer(&stack[len(stack)-1])) + 1
}

// installGDT builds the GDT/TSS and loads CS/DS/SS and the task register.
// The IST and RSP0 slots of the TSS are set to ist0Top and rsp0Top
// respectively.
func installGDT(tssSel uint16, istIndex uint8, ist0Top, rsp0Top uintptr)
