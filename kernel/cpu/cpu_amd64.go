package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outl writes a double word to the given I/O port.
func Outl(port uint16, value uint32)

// Inl reads a double word from the given I/O port.
func Inl(port uint16) uint32

// ReadMSR returns the value of the model-specific register at the given
// address.
func ReadMSR(addr uint32) uint64

// WriteMSR writes value to the model-specific register at the given address.
func WriteMSR(addr uint32, value uint64)

// ReadRandom executes RDRAND and returns the generated value together with
// the carry flag RDRAND sets on success.
func ReadRandom() (uint32, bool)

// StoreFence executes SFENCE, ordering all prior stores before it against
// any store that follows. Required before ringing a device doorbell so the
// device never observes a doorbell update ahead of the descriptor it
// refers to.
func StoreFence()

// LoadFence executes LFENCE, ordering all prior loads before it against any
// load that follows. Required before inspecting a queue entry a device may
// have just written, so a stale cache line is never mistaken for a fresh
// one.
func LoadFence()

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
