// Package heap implements the kernel's bump allocator over a fixed-size
// virtual window, backed by freshly-allocated physical frames.
package heap

import (
	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/vmm"
)

// base is the fixed virtual address the heap window starts at, between the
// kernel virtual arena (0xffff_9000_0000_0000) and the MMIO reservation
// window (0xffff_a000_0000_0000) so none of the kernel's fixed windows
// collide.
const base = uintptr(0xffff_9800_0000_0000)

// windowSize is the heap's fixed size: 15 MiB, per the size budget this
// bump allocator is scoped to.
const windowSize = mem.Size(15 << 20)

var (
	cursor    uintptr
	limit     uintptr
	allocated uint64

	errOutOfMemory = &kernel.Error{Module: "heap", Message: "heap window exhausted"}

	frameAllocFn = vmm.FrameAllocatorFn(nil)
	mapFn        = vmm.Map
)

// Init maps the heap's fixed 15 MiB window to freshly-allocated frames and
// resets the bump cursor to its start. It must run after the frame
// allocator and vmm are both initialized.
func Init(allocFrame vmm.FrameAllocatorFn) *kernel.Error {
	frameAllocFn = allocFrame

	pageCount := uintptr(windowSize) >> mem.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}

		page := vmm.PageFromAddress(base + i*uintptr(mem.PageSize))
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	cursor = base
	limit = base + uintptr(windowSize)
	allocated = 0
	return nil
}

// Alloc returns a size-byte region aligned to align (which must be a power
// of two), advancing the bump cursor. It returns errOutOfMemory once the
// window is exhausted. Never returns a smaller region than requested.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	aligned := (cursor + align - 1) &^ (align - 1)
	if aligned+size > limit {
		return 0, errOutOfMemory
	}

	cursor = aligned + size
	allocated++
	return aligned, nil
}

// Free decrements the outstanding-allocation count and resets the cursor
// to the window start once every allocation has been freed. There is no
// real reclamation: addresses are only reused once the heap is
// completely empty.
func Free() {
	if allocated == 0 {
		return
	}

	allocated--
	if allocated == 0 {
		cursor = base
	}
}
