package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by the vmm
// package's Init function. The purpose of this frame is to assist in
// implementing on-demand memory allocation when mapping it in conjunction
// with the CopyOnWrite flag. Here is an example of how it can be used:
//
//	func ReserveOnDemand(start vmm.Page, pageCount int) *kernel.Error {
//	  var err *kernel.Error
//	  mapFlags := vmm.FlagPresent|vmm.FlagCopyOnWrite
//	  for page := start; pageCount > 0; pageCount, page = pageCount-1, page+1 {
//	     if err = vmm.Map(page, vmm.ReservedZeroedFrame, mapFlags); err != nil {
//	       return err
//	     }
//	  }
//	  return nil
//	}
//
// In the above example, page mappings are set up for the requested number of
// pages but no physical memory is reserved for their contents. A write to any
// of the above pages will trigger a page-fault causing a new frame to be
// allocated, cleared and installed in-place with RW permissions.
var ReservedZeroedFrame pmm.Frame

var (
	// protectReservedZeroedPage is set to true to prevent mapping
	// ReservedZeroedFrame with a RW flag once it has been reserved.
	protectReservedZeroedPage bool

	// flushTLBEntryFn is overridden by tests.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// mapIn establishes a mapping between a virtual page and a physical frame
// within rootFrame's table, allocating intermediate tables from the frame
// allocator as needed.
func mapIn(rootFrame pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is map the frame
		// in place, flag it as present and flush its TLB entry.
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			if rootFrame == activeRootFrame() {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; allocate a physical frame for it,
		// map it and clear its contents through the direct map.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = frameAllocator()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			mem.Memset(directMap(newTableFrame), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// unmapIn removes a mapping previously installed via mapIn within rootFrame's
// table.
func unmapIn(rootFrame pmm.Frame, page Page) *kernel.Error {
	var err *kernel.Error

	walk(rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			if rootFrame == activeRootFrame() {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory table.
//
// Attempts to map ReservedZeroedFrame with a RW flag will result in an error.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapIn(activeRootFrame(), page, frame, flags)
}

// Unmap removes a mapping previously installed via a call to Map.
func Unmap(page Page) *kernel.Error {
	return unmapIn(activeRootFrame(), page)
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the kernel's MMIO reservation window, establishes the
// mapping and returns the Page that corresponds to the region start. It is
// used to map device MMIO (LAPIC, I/O APIC, AHCI ABAR, NVMe BAR0) which lies
// outside the RAM range covered by the direct map.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	startAddr, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := Map(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startAddr), nil
}
