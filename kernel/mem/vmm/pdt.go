package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
)

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address encoded in bits 12-51
	// of a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching when cleared.
	FlagWriteThroughCaching

	// FlagNoCache prevents this page from being cached. Required for MMIO
	// mappings (LAPIC, I/O APIC, AHCI ABAR, NVMe BAR0).
	FlagNoCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal prevents the TLB entry for this page from being flushed
	// across a CR3 reload.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page to be cloned on the next write
	// fault. Mutually exclusive with FlagRW.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagNoExecute marks a page as containing non-executable data.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. Each level uses 9 bits, i.e. 512 entries per table.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	// physMemOffset is the PMO reported by the bootloader handoff: the fixed
	// virtual offset at which every usable physical frame is already mapped.
	// Unlike gopheros' original recursive self-map, a PDT's own backing frame
	// (active or not) is reached through this offset, so walk() never needs
	// a temporary mapping to edit an inactive table.
	physMemOffset uintptr

	// activePDTFn/switchPDTFn are mocked by tests.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT
)

// SetPhysMemOffset records the PMO reported by the bootloader. It must be
// called once, before Init, and before any call that allocates or walks page
// tables.
func SetPhysMemOffset(pmo uintptr) { physMemOffset = pmo }

// PhysMemOffset returns the PMO previously installed via SetPhysMemOffset.
func PhysMemOffset() uintptr { return physMemOffset }

// directMap returns the kernel-virtual address at which the contents of frame
// are reachable through the direct physical map.
func directMap(frame pmm.Frame) uintptr { return physMemOffset + frame.Address() }

// activeRootFrame returns the physical frame backing the currently loaded
// top-level page table (read out of CR3).
func activeRootFrame() pmm.Frame { return pmm.Frame(activePDTFn() >> mem.PageShift) }

// PageDirectoryTable describes the top-most table (PML4) of a 4-level paging
// hierarchy rooted at a single physical frame.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init prepares pdtFrame to act as a fresh, empty page directory table. The
// frame is zeroed through the direct map; no recursive mapping needs to be
// installed because every table, active or not, is addressable at
// physMemOffset+frame.Address().
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame
	mem.Memset(directMap(pdtFrame), 0, mem.PageSize)
	return nil
}

// Map establishes a mapping between a virtual page and a physical frame using
// this particular PDT, whether or not it is the currently active one.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapIn(pdt.pdtFrame, page, frame, flags)
}

// Unmap tears down a mapping previously installed via Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return unmapIn(pdt.pdtFrame, page)
}

// Activate loads this PDT's frame into CR3 and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Frame exposes the physical frame backing this PDT.
func (pdt PageDirectoryTable) Frame() pmm.Frame { return pdt.pdtFrame }
