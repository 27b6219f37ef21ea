package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/mem"
)

const (
	// mmioWindowBase is the start of a 1 GiB kernel virtual-address window
	// set aside for mapping device MMIO regions (LAPIC, I/O APIC, AHCI ABAR,
	// NVMe BAR0, ...) that live outside the RAM range covered by the direct
	// map. It sits above the kernel virtual arena (0xffff_9000_0000_0000) and
	// the heap window (0xffff_9800_0000_0000), and below the user arena
	// (0xffff_ffff_9000_0000).
	mmioWindowBase = uintptr(0xffff_a000_0000_0000)

	// mmioWindowLimit bounds the window to 1 GiB, comfortably more than a
	// hobby kernel's handful of MMIO BARs will ever need.
	mmioWindowLimit = mmioWindowBase + uintptr(1<<30)
)

var (
	// mmioReserveNext tracks the next unused address in the MMIO
	// reservation window.
	mmioReserveNext = mmioWindowBase

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining MMIO reservation window not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// of the requested size in the kernel's MMIO reservation window and returns
// its virtual address. If size is not a multiple of mem.PageSize it is
// rounded up.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if mmioReserveNext+uintptr(size) > mmioWindowLimit {
		return 0, errEarlyReserveNoSpace
	}

	addr := mmioReserveNext
	mmioReserveNext += uintptr(size)
	return addr, nil
}
