package allocator

import (
	"nucleus/kernel"
	"nucleus/kernel/hal/multiboot"
	"nucleus/kernel/kfmt"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
)

var (
	// earlyAllocator is a boot mem allocator instance used for page
	// allocations before switching to a more advanced allocator.
	earlyAllocator bootMemAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator is a monotonic physical frame allocator seeded from the
// bootloader-reported memory map. It treats every "usable" region as a
// concatenated sequence of 4-KiB frames in the order the bootloader reported
// them and hands out the next one on each call. It never frees; once the
// cursor passes the last usable frame, every subsequent call fails.
type bootMemAllocator struct {
	// nextIndex is the index (into the concatenated usable-frame sequence)
	// of the next frame that will be handed out.
	nextIndex uint64
}

// init resets the allocator's cursor. Unlike earlier iterations of this
// allocator, the kernel image itself is not special-cased here: the
// bootloader is expected to already report the kernel's own load region as
// reserved/non-usable in the memory map it hands to the kernel.
func (alloc *bootMemAllocator) init() {
	alloc.nextIndex = 0
}

// Init resets the package-level boot-time frame allocator and logs the
// memory map reported by the bootloader. This allocator is the kernel's
// only frame source; frames are never freed once handed out.
func Init() {
	earlyAllocator.init()
	earlyAllocator.printMemoryMap()
}

// AllocFrame allocates the next available physical frame. It is registered
// with vmm.SetFrameAllocator during early boot.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// AllocFrame returns the nth usable frame (n = nextIndex) from the
// concatenated sequence of usable regions, in bootloader-reported order, and
// advances the cursor. It fails once nextIndex walks past the last usable
// frame in the memory map.
func (alloc *bootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	var (
		target = alloc.nextIndex
		cursor uint64
		found  pmm.Frame
		ok     bool
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mem.PageSize) {
			return true
		}

		regionFrames := region.Length / uint64(mem.PageSize)
		if target >= cursor+regionFrames {
			cursor += regionFrames
			return true
		}

		frameOffset := target - cursor
		found = pmm.Frame((region.PhysAddress / uint64(mem.PageSize)) + frameOffset)
		ok = true
		return false
	})

	if !ok {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.nextIndex++
	return found, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))
}
