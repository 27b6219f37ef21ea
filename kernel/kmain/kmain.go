// Package kmain wires together the kernel's boot sequence: the one path
// from the rt0 assembly handoff to a running, interrupt-driven kernel with
// Go runtime features available.
package kmain

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/goruntime"
	"nucleus/kernel/hal/acpi"
	"nucleus/kernel/hal/apic"
	"nucleus/kernel/hal/multiboot"
	"nucleus/kernel/irq"
	"nucleus/kernel/kfmt"
	"nucleus/kernel/mem/heap"
	"nucleus/kernel/mem/pmm/allocator"
	"nucleus/kernel/mem/vmm"
	"nucleus/kernel/process"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// defaultTimerFrequency is the LAPIC timer frequency Kmain hands to
// apic.InitLocalAPIC and process.Init. It is always used; the frequency is
// not derived from CPUID.
const defaultTimerFrequency = 1_000_000

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// is invoked after rt0 has set up a minimal g0 stack. multibootInfoPtr is
// the address of the multiboot2 info structure; pmo is the physical memory
// offset the bootloader mapped all of physical memory at; kernelPageOffset
// is the virtual address the kernel image itself was loaded at.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, pmo, kernelPageOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	cpu.InitGDT()
	irq.InstallIDT()

	allocator.Init()
	vmm.SetFrameAllocator(allocator.AllocFrame)

	var err *kernel.Error
	if err = vmm.Init(pmo, kernelPageOffset); err != nil {
		kfmt.Panic(err)
	}

	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err = heap.Init(allocator.AllocFrame); err != nil {
		kfmt.Panic(err)
	}

	bringUpInterruptControllers()

	process.Init(defaultTimerFrequency)

	proc, err := loadInitProcess()
	if err != nil {
		kfmt.Panic(err)
	}

	kfmt.Printf("kernel: entering init process at 0x%x\n", proc.EntryAddr)
	process.EnterUserMode(proc.EntryAddr, proc.UserStackTop)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// bringUpInterruptControllers parses the ACPI MADT to locate the Local APIC
// and I/O APICs, then switches interrupt delivery away from the legacy
// 8259 PICs over to them.
func bringUpInterruptControllers() {
	rsdpPtr := multiboot.GetRSDPPhysAddr()
	if rsdpPtr == 0 {
		kfmt.Printf("kernel: no ACPI RSDP in boot handoff, interrupt controllers left unconfigured\n")
		return
	}

	madt := acpi.ParseMADT(rsdpPtr)
	if madt == nil {
		kfmt.Printf("kernel: no MADT found, interrupt controllers left unconfigured\n")
		return
	}

	apic.InitLocalAPIC(madt.LocalAPICPhysAddr, defaultTimerFrequency)

	for _, info := range madt.IOAPICs {
		apic.InitIOAPIC(info.PhysAddr)
	}

	kfmt.Printf("kernel: LAPIC and %d I/O APIC(s) online\n", len(madt.IOAPICs))
}
