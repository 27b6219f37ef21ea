// Package acpi walks the ACPI static tables reachable from the RSDP address
// supplied by the bootloader handoff, extracting just enough of the MADT to
// bring up the Local APIC and I/O APIC: the interrupt-controller fields the
// rest of the boot sequence needs. Table contents are read through the
// kernel's physical direct map, the same way the multiboot package walks its
// own header-prefixed, variable-length tag stream.
package acpi

import (
	"nucleus/kernel/mem/vmm"
	"unsafe"
)

// rsdpV2 mirrors the ACPI 2.0+ Root System Description Pointer structure.
// The first 20 bytes match the original (ACPI 1.0) RSDP layout; fields past
// that are only valid when revision >= 2.
type rsdpV2 struct {
	signature    [8]byte
	checksum     uint8
	oemID        [6]byte
	revision     uint8
	rsdtAddress  uint32
	length       uint32
	xsdtAddress  uint64
	extChecksum  uint8
	reserved     [3]byte
}

// sdtHeader is the common header shared by every ACPI system description
// table (RSDT, XSDT, MADT, ...).
type sdtHeader struct {
	signature       [4]byte
	length          uint32
	revision        uint8
	checksum        uint8
	oemID           [6]byte
	oemTableID      [8]byte
	oemRevision     uint32
	creatorID       [4]byte
	creatorRevision uint32
}

// MADT entry type numbers. Only madtEntryIOAPIC entries are interpreted;
// entries of every other type are skipped.
const (
	madtEntryLocalAPIC       = 0
	madtEntryIOAPIC          = 1
	madtEntryInterruptSource = 2
)

type madtEntryHeader struct {
	entryType uint8
	length    uint8
}

type madtIOAPICEntry struct {
	ioapicID       uint8
	reserved       uint8
	ioapicAddress  uint32
	gsiBase        uint32
}

// IOAPICInfo describes a single I/O APIC discovered in the MADT.
type IOAPICInfo struct {
	PhysAddr uintptr
	GSIBase  uint32
}

// MADT holds the interrupt-controller information extracted from the
// Multiple APIC Description Table: the LAPIC's physical base address (the
// legacy default, overridden below if the table specifies one) and every
// I/O APIC entry found.
type MADT struct {
	LocalAPICPhysAddr uintptr
	IOAPICs           []IOAPICInfo
}

// defaultLocalAPICPhysAddr is the address every PC-compatible platform maps
// the Local APIC at unless the MADT overrides it via its 32-bit header
// field.
const defaultLocalAPICPhysAddr = 0xFEE00000

// ParseMADT walks the ACPI tables reachable from an RSDP structure and
// returns the MADT contents. rsdpPtr must already be a dereferenceable
// kernel-virtual pointer to the RSDP, such as the one multiboot's ACPI RSDP
// tag provides; the tables it points to (RSDT/XSDT, MADT) are reached
// through the physical direct map. ParseMADT returns nil if no MADT is
// present.
func ParseMADT(rsdpPtr uintptr) *MADT {
	rsdp := (*rsdpV2)(unsafe.Pointer(rsdpPtr))

	var sdtAddr uintptr
	var entrySize uintptr
	if rsdp.revision >= 2 && rsdp.xsdtAddress != 0 {
		sdtAddr = uintptr(rsdp.xsdtAddress)
		entrySize = 8
	} else {
		sdtAddr = uintptr(rsdp.rsdtAddress)
		entrySize = 4
	}

	sdt := (*sdtHeader)(unsafe.Pointer(directMap(sdtAddr)))
	entriesPtr := directMap(sdtAddr) + unsafe.Sizeof(sdtHeader{})
	entryCount := (uintptr(sdt.length) - unsafe.Sizeof(sdtHeader{})) / entrySize

	for i := uintptr(0); i < entryCount; i++ {
		var tablePhysAddr uintptr
		if entrySize == 8 {
			tablePhysAddr = uintptr(*(*uint64)(unsafe.Pointer(entriesPtr + i*8)))
		} else {
			tablePhysAddr = uintptr(*(*uint32)(unsafe.Pointer(entriesPtr + i*4)))
		}

		header := (*sdtHeader)(unsafe.Pointer(directMap(tablePhysAddr)))
		if header.signature == [4]byte{'A', 'P', 'I', 'C'} {
			return parseMADTTable(directMap(tablePhysAddr), uintptr(header.length))
		}
	}

	return nil
}

func parseMADTTable(base, length uintptr) *MADT {
	madt := &MADT{LocalAPICPhysAddr: defaultLocalAPICPhysAddr}

	// The MADT body starts after the common header with a 4-byte local
	// APIC address override field and a 4-byte flags field, then a
	// stream of variable-length entries.
	lapicOverride := *(*uint32)(unsafe.Pointer(base + unsafe.Sizeof(sdtHeader{})))
	if lapicOverride != 0 {
		madt.LocalAPICPhysAddr = uintptr(lapicOverride)
	}

	cur := base + unsafe.Sizeof(sdtHeader{}) + 8
	end := base + length

	for cur < end {
		entry := (*madtEntryHeader)(unsafe.Pointer(cur))
		if entry.length == 0 {
			break
		}

		switch entry.entryType {
		case madtEntryIOAPIC:
			ioapic := (*madtIOAPICEntry)(unsafe.Pointer(cur + 2))
			madt.IOAPICs = append(madt.IOAPICs, IOAPICInfo{
				PhysAddr: uintptr(ioapic.ioapicAddress),
				GSIBase:  ioapic.gsiBase,
			})
		}

		cur += uintptr(entry.length)
	}

	return madt
}

// directMap returns the kernel-virtual address ACPI table contents at
// physAddr are reachable through.
func directMap(physAddr uintptr) uintptr { return vmm.PhysMemOffset() + physAddr }
