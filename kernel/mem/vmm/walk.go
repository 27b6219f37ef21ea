package vmm

import (
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// overridden by tests so walk() can be exercised without real page
	// tables. When compiling the kernel this function will be automatically
	// inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// rootFrame's table. It calls the supplied walkFn with the page table entry
// that corresponds to each page table level. If walkFn returns false the walk
// stops early.
//
// Each level's table is reached through the direct physical map
// (physMemOffset + frame.Address()) instead of a recursive self-mapping, so
// rootFrame need not be the active top-level table: an inactive PDT is just
// as walkable as the active one.
func walk(rootFrame pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		tableFrame = rootFrame
		entryIndex uintptr
		ok         bool
	)

	for level = 0; level < pageLevels; level++ {
		tableAddr := directMap(tableFrame)

		// Extract the bits from virtAddr that correspond to the index in
		// this level's page table.
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		entryAddr := tableAddr + (entryIndex << mem.PointerShift)
		pte := (*pageTableEntry)(ptePtrFn(entryAddr))

		if ok = walkFn(level, pte); !ok {
			return
		}

		tableFrame = pte.Frame()
	}
}
