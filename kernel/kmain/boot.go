package kmain

import (
	"nucleus/kernel"
	"nucleus/kernel/elf"
	"nucleus/kernel/hal/ahci"
	"nucleus/kernel/hal/nvme"
	"nucleus/kernel/mem/pmm/allocator"
)

var errNoBootDevice = &kernel.Error{Module: "kmain", Message: "no AHCI or NVMe device exposes an init program"}

const (
	// initProgramLBA is the logical block the init program image starts at,
	// leaving room below it for a boot loader / partition table.
	initProgramLBA = 2048

	// initProgramSectors is a generous upper bound on the init program's
	// 512-byte-sector footprint; elf.Load only reads as far into the image
	// as the program headers it parses actually point to.
	initProgramSectors = 128

	ahciSectorSize = 512
)

// loadInitProcess probes for a block device in AHCI-then-NVMe order,
// reads the init program image off it, and parses it into a ready-to-enter
// user process. AHCI is tried first since it is the simpler, more widely
// emulated interface; NVMe is the fallback for controllers with no AHCI HBA.
func loadInitProcess() (*elf.Process, *kernel.Error) {
	if ctrl, err := ahci.Discover(allocator.AllocFrame); err == nil {
		for port := 0; port < 32; port++ {
			if ctrl.DeviceTypeOf(port) == ahci.DeviceSATA {
				return loadFromAHCI(ctrl, port)
			}
		}
	}

	if ctrl, err := nvme.Discover(allocator.AllocFrame); err == nil && len(ctrl.Namespaces) > 0 {
		return loadFromNVMe(ctrl, ctrl.Namespaces[0])
	}

	return nil, errNoBootDevice
}

func loadFromAHCI(ctrl *ahci.Controller, port int) (*elf.Process, *kernel.Error) {
	image := make([]byte, initProgramSectors*ahciSectorSize)
	for i := 0; i < initProgramSectors; i++ {
		sector := image[i*ahciSectorSize : (i+1)*ahciSectorSize]
		if err := ctrl.ReadSector(port, initProgramLBA+uint64(i), sector); err != nil {
			return nil, err
		}
	}
	return elf.Load(image)
}

func loadFromNVMe(ctrl *nvme.Controller, ns nvme.Namespace) (*elf.Process, *kernel.Error) {
	imageBytes := initProgramSectors * ahciSectorSize
	numBlocks := uint32(imageBytes) / ns.LBASize
	image := make([]byte, numBlocks*ns.LBASize)

	if err := ctrl.ReadBlocks(ns.NSID, initProgramLBA, numBlocks, image); err != nil {
		return nil, err
	}
	return elf.Load(image)
}
