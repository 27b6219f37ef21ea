package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/mem/pmm"
)

// Arena is a process-wide monotonic cursor producing fresh virtual-page
// ranges, each backed by a freshly-allocated frame and mapped with the
// arena's permissions. It never reuses an address; distinct allocations
// are always disjoint.
type Arena struct {
	next  uintptr
	flags PageTableEntryFlag
}

// KernelArena hands out kernel-accessible, non-executable pages starting at
// the fixed kernel virtual-arena base.
var KernelArena = Arena{next: 0xffff_9000_0000_0000, flags: FlagPresent | FlagRW | FlagNoExecute}

// UserArena hands out user-accessible, non-executable pages starting at the
// fixed user virtual-arena base.
var UserArena = Arena{next: 0xffff_ffff_9000_0000, flags: FlagPresent | FlagRW | FlagUserAccessible | FlagNoExecute}

// Alloc reserves pageCount contiguous virtual pages from the arena, backs
// each with a freshly-allocated frame, and maps them with the arena's
// permission set. It returns the virtual address of the first page.
func (a *Arena) Alloc(pageCount uintptr) (uintptr, *kernel.Error) {
	start := a.next

	page := PageFromAddress(start)
	for i := uintptr(0); i < pageCount; i, page = i+1, page+1 {
		frame, err := arenaFrameAllocFn()
		if err != nil {
			return 0, err
		}

		if err := arenaMapFn(page, frame, a.flags); err != nil {
			return 0, err
		}
	}

	a.next = page.Address()
	return start, nil
}

// arenaFrameAllocFn/arenaMapFn are mocked by tests; in production they
// delegate to the package's registered frame allocator and Map.
var (
	arenaFrameAllocFn = func() (pmm.Frame, *kernel.Error) { return frameAllocator() }
	arenaMapFn        = Map
)
