package process

import (
	"nucleus/kernel/cpu"
	"nucleus/kernel/irq"
	"nucleus/kernel/kfmt"
	"nucleus/kernel/mem"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// allOnes is the sentinel every syscall returns on failure or for an
// unrecognized number.
const allOnes = ^uint64(0)

const maxPrintLen = 4096

// Regs carries the SysV syscall-convention argument registers as captured
// by the entry stub: number in RAX, arguments in RDI, RSI, RDX, R10, R8, R9.
type Regs struct {
	RAX, RDI, RSI, RDX, R10, R8, R9 uint64
}

// Dispatch services the syscall described by regs and returns the value
// that belongs in RAX on return to ring 3.
func Dispatch(regs *Regs) uint64 {
	switch regs.RAX {
	case 1:
		return sysLog(regs.RDI, regs.RSI, regs.RDX)
	case 2:
		sysPanic(regs.RSI, regs.RDX)
		return allOnes // unreachable; sysPanic never returns
	case 3:
		sysSleep(regs.RDI)
		return 0
	case 4:
		return sysRandom()
	case 5:
		return sysFormatDecimal(regs.RDI, regs.RSI, regs.RDX)
	case 6:
		return sysDrawFace(regs.RDI)
	default:
		return allOnes
	}
}

func sysLog(level, ptr, length uint64) uint64 {
	if length == 0 || length > maxPrintLen || ptr == 0 {
		return allOnes
	}

	s := stringAt(uintptr(ptr), uintptr(length))

	var prefix string
	switch level {
	case 1:
		prefix = "debug"
	case 2:
		prefix = "info"
	case 3:
		prefix = "warning"
	case 4:
		prefix = "error"
	case 5:
		prefix = "todo"
	default:
		return allOnes
	}

	kfmt.Printf("[%s] %s", prefix, s)
	return length
}

func sysPanic(ptr, length uint64) {
	kfmt.Printf("(SYSCALL) user panic: %s\n", stringAt(uintptr(ptr), uintptr(length)))
	haltFn()
}

func sysSleep(ms uint64) {
	target := atomic.LoadUint64(&tickCount) + ms*ticksPerMillisecond
	for atomic.LoadUint64(&tickCount) < target {
	}
}

func sysRandom() uint64 {
	for i := 0; i < 25; i++ {
		if v, ok := readRandomFn(); ok {
			return uint64(v)
		}
	}
	return allOnes
}

func sysFormatDecimal(dstPtr, dstCap, value uint64) uint64 {
	var digits [20]byte
	n := formatDecimal(value, digits[:])

	toWrite := uint64(n)
	if toWrite > dstCap {
		toWrite = dstCap
	}
	if toWrite == 0 {
		return allOnes
	}

	mem.Memcopy(uintptr(unsafe.Pointer(&digits[0])), uintptr(dstPtr), mem.Size(toWrite))
	return toWrite
}

func sysDrawFace(which uint64) uint64 {
	switch which {
	case 1:
		kfmt.Printf(":-)\n")
		return 0
	case 2:
		kfmt.Printf(":-(\n")
		return 0
	default:
		return allOnes
	}
}

// formatDecimal writes the base-10 representation of v into dst and
// returns the number of bytes written. dst must be large enough to hold
// any uint64 (20 bytes).
func formatDecimal(v uint64, dst []byte) int {
	if v == 0 {
		dst[0] = '0'
		return 1
	}

	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}

	return copy(dst, tmp[i:])
}

// stringAt overlays a string on top of the length bytes starting at ptr,
// the same reflect.SliceHeader-overlay idiom kernel/mem uses for Memset and
// Memcopy.
func stringAt(ptr, length uintptr) string {
	slice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: ptr,
		Len:  int(length),
		Cap:  int(length),
	}))
	return string(slice)
}

// tickCount is advanced by the LAPIC timer interrupt; Sleep polls it.
var tickCount uint64

// ticksPerMillisecond is derived from the LAPIC timer frequency the kernel
// was initialized with.
var ticksPerMillisecond uint64 = 1

// InitTimer registers the tick counter against the LAPIC timer vector so
// Sleep can busy-poll elapsed time. timerFreqHz is the frequency the LAPIC
// timer was programmed with.
func InitTimer(timerFreqHz uint32) {
	ticksPerMillisecond = uint64(timerFreqHz) / 1000
	if ticksPerMillisecond == 0 {
		ticksPerMillisecond = 1
	}

	irq.HandleVector(irq.VectorLAPICTimer, func() {
		atomic.AddUint64(&tickCount, 1)
	})
}

var (
	// readRandomFn and haltFn are mocked by tests; in production they are
	// cpu.ReadRandom and cpu.Halt.
	readRandomFn = cpu.ReadRandom
	haltFn       = cpu.Halt
)
