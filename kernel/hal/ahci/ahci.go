// Package ahci drives an AHCI SATA host-bus adapter discovered on the PCI
// bus: port rebase, command-slot issue, and polled sector read/write.
package ahci

import (
	"nucleus/kernel"
	"nucleus/kernel/hal/pci"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/vmm"
	"unsafe"
)

const (
	classStorage = 0x01
	subclassAHCI = 0x06
	abarBARIndex = 5
	abarSize     = mem.Size(0x1100)

	ghcOffset = 0x04
	piOffset  = 0x0C
	ghcAE     = uint32(1) << 31

	portRegsBase   = 0x100
	portRegsStride = 0x80

	portCLB  = 0x00
	portCLBU = 0x04
	portFB   = 0x08
	portFBU  = 0x0C
	portIS   = 0x10
	portCMD  = 0x18
	portTFD  = 0x20
	portSIG  = 0x24
	portSSTS = 0x28
	portSACT = 0x34
	portCI   = 0x38

	cmdST  = uint32(1) << 0
	cmdFRE = uint32(1) << 4
	cmdFR  = uint32(1) << 14
	cmdCR  = uint32(1) << 15

	tfdBSY = uint32(1) << 7
	tfdDRQ = uint32(1) << 3

	isTFES = uint32(1) << 30

	sstsDETMask = 0xF
	sstsDETPresent = 0x3
	sstsIPMMask = 0xF00
	sstsIPMShift = 8
	sstsIPMActive = 0x1

	sigSATA   = 0x00000101
	sigSATAPI = 0xEB140101
	sigSEMB   = 0xC33C0101
	sigPM     = 0x96690101

	maxPorts         = 32
	cmdSlotsPerPort  = 32
	cmdListEntrySize = 32
	cmdListRegionSize  = maxPorts * 1024 // CLB region: 1 KiB per port
	fisRegionOffset    = maxPorts * 1024
	fisRegionSize      = maxPorts * 256 // FIS region: 256 B per port
	cmdTableRegionOffset = fisRegionOffset + fisRegionSize
	cmdTableSize       = 256
	cmdTablesPerPort   = cmdSlotsPerPort * cmdTableSize // 8 KiB per port
	dmaRegionSize      = mem.Size(cmdTableRegionOffset + maxPorts*cmdTablesPerPort)

	prdtEntriesPerCmdTable = 8
	prdtEntrySize          = 16

	sectorSize = 512

	fisTypeRegH2D    = 0x27
	ataCmdReadDmaEx  = 0x25
	ataCmdWriteDmaEx = 0x35

	spinLimit = 1_000_000
)

// DeviceType classifies a discovered, active port by its SIG register.
type DeviceType uint8

const (
	DeviceNone DeviceType = iota
	DeviceSATA
	DeviceSATAPI
	DeviceSEMB
	DevicePM
)

var (
	errNoController  = &kernel.Error{Module: "ahci", Message: "no AHCI controller found on the PCI bus"}
	errNoFreeSlot    = &kernel.Error{Module: "ahci", Message: "no free command slot"}
	errDeviceBusy    = &kernel.Error{Module: "ahci", Message: "device did not clear BSY/DRQ in time"}
	errTaskFileError = &kernel.Error{Module: "ahci", Message: "task file error (IS.TFES set)"}
	errBadPort       = &kernel.Error{Module: "ahci", Message: "port index out of range or inactive"}
)

// Controller owns one HBA's MMIO register block plus the single contiguous
// DMA region backing every port's command list, received-FIS buffer, and
// command tables.
type Controller struct {
	mmioBase uintptr // direct-mapped virtual address of ABAR
	dmaPhys  uintptr // physical base address of the DMA region ("AHCI_BASE")
	dmaVirt  uintptr // direct-mapped virtual address of dmaPhys

	ports [maxPorts]DeviceType
}

// Discover enumerates the PCI bus, attaches to the first AHCI controller
// found (class 0x01, subclass 0x06), maps its ABAR, enables AHCI mode and
// bus-mastering, and probes + rebases every implemented, present port.
func Discover(allocFrame vmm.FrameAllocatorFn) (*Controller, *kernel.Error) {
	for _, dev := range pci.Scan() {
		if dev.Class == classStorage && dev.Subclass == subclassAHCI {
			return attach(dev, allocFrame)
		}
	}
	return nil, errNoController
}

func attach(dev pci.Device, allocFrame vmm.FrameAllocatorFn) (*Controller, *kernel.Error) {
	abarPhys := uintptr(pci.BAR(dev, abarBARIndex) &^ 0xF)

	pci.EnableBusMaster(dev)

	page, err := mapRegionFn(pmm.Frame(abarPhys>>mem.PageShift), abarSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoCache)
	if err != nil {
		return nil, err
	}

	ctrl := &Controller{mmioBase: page.Address()}

	ctrl.write32(ghcOffset, ctrl.read32(ghcOffset)|ghcAE)

	dmaPhys, err := allocContiguous(allocFrame, dmaRegionSize)
	if err != nil {
		return nil, err
	}
	ctrl.dmaPhys = dmaPhys
	ctrl.dmaVirt = directMap(dmaPhys)
	mem.Memset(ctrl.dmaVirt, 0, dmaRegionSize)

	pi := ctrl.read32(piOffset)
	for i := 0; i < maxPorts; i++ {
		if pi&(1<<uint(i)) == 0 {
			continue
		}

		devType := ctrl.probePort(i)
		if devType == DeviceNone {
			continue
		}

		ctrl.ports[i] = devType
		ctrl.rebasePort(i)
	}

	return ctrl, nil
}

// allocContiguous calls allocFrame pageCount times and returns the physical
// base address of the first frame, relying on the bump frame allocator's
// monotonic, gap-free allocation order to guarantee the frames it hands
// back in a single uninterrupted burst are contiguous.
func allocContiguous(allocFrame vmm.FrameAllocatorFn, size mem.Size) (uintptr, *kernel.Error) {
	pageCount := (uintptr(size) + uintptr(mem.PageSize) - 1) >> mem.PageShift

	first, err := allocFrame()
	if err != nil {
		return 0, err
	}
	for i := uintptr(1); i < pageCount; i++ {
		if _, err := allocFrame(); err != nil {
			return 0, err
		}
	}

	return first.Address(), nil
}

func (c *Controller) probePort(i int) DeviceType {
	ssts := c.readPort(i, portSSTS)
	det := ssts & sstsDETMask
	ipm := (ssts & sstsIPMMask) >> sstsIPMShift
	if det != sstsDETPresent || ipm != sstsIPMActive {
		return DeviceNone
	}

	switch c.readPort(i, portSIG) {
	case sigSATA:
		return DeviceSATA
	case sigSATAPI:
		return DeviceSATAPI
	case sigSEMB:
		return DeviceSEMB
	case sigPM:
		return DevicePM
	default:
		return DeviceNone
	}
}

// rebasePort stops the command engine, points CLB/FB at this port's slice
// of the DMA region, zeroes them, sets PRDTL=8 and CTBA for every one of
// the 32 command headers, then restarts the command engine.
func (c *Controller) rebasePort(i int) {
	c.stopCmdEngine(i)

	clbPhys := c.dmaPhys + uintptr(i*1024)
	c.writePort(i, portCLB, uint32(clbPhys))
	c.writePort(i, portCLBU, uint32(clbPhys>>32))
	mem.Memset(directMap(clbPhys), 0, 1024)

	fbPhys := c.dmaPhys + uintptr(fisRegionOffset+i*256)
	c.writePort(i, portFB, uint32(fbPhys))
	c.writePort(i, portFBU, uint32(fbPhys>>32))
	mem.Memset(directMap(fbPhys), 0, 256)

	for slot := 0; slot < cmdSlotsPerPort; slot++ {
		hdr := clbPhys + uintptr(slot*cmdListEntrySize)
		ctbaPhys := c.dmaPhys + uintptr(cmdTableRegionOffset+i*cmdTablesPerPort+slot*cmdTableSize)

		writeVolatile32(directMap(hdr), prdtEntriesPerCmdTable<<16)
		writeVolatile32(directMap(hdr+8), uint32(ctbaPhys))
		// CTBAU is always 0: the DMA region is allocated from early,
		// sub-4GiB-resident frames, and the 32-bit-only addressing
		// decision (see DESIGN.md) applies to CTBA the same as DBA.
		writeVolatile32(directMap(hdr+12), 0)

		mem.Memset(directMap(ctbaPhys), 0, cmdTableSize)
	}

	c.startCmdEngine(i)
}

func (c *Controller) stopCmdEngine(i int) {
	cmd := c.readPort(i, portCMD)
	cmd &^= cmdST
	c.writePort(i, portCMD, cmd)
	for n := 0; n < spinLimit && c.readPort(i, portCMD)&cmdCR != 0; n++ {
	}

	cmd = c.readPort(i, portCMD)
	cmd &^= cmdFRE
	c.writePort(i, portCMD, cmd)
	for n := 0; n < spinLimit && c.readPort(i, portCMD)&cmdFR != 0; n++ {
	}
}

func (c *Controller) startCmdEngine(i int) {
	cmd := c.readPort(i, portCMD)
	c.writePort(i, portCMD, cmd|cmdFRE)
	c.writePort(i, portCMD, c.readPort(i, portCMD)|cmdST)
}

// DeviceTypeOf reports the classification probePort assigned to port i, or
// DeviceNone if the port is absent, inactive, or out of range.
func (c *Controller) DeviceTypeOf(i int) DeviceType {
	if i < 0 || i >= maxPorts {
		return DeviceNone
	}
	return c.ports[i]
}

// ReadSector reads one 512-byte sector at lba from port i into dst.
func (c *Controller) ReadSector(i int, lba uint64, dst []byte) *kernel.Error {
	return c.rw(i, lba, dst, false)
}

// WriteSector writes the 512-byte sector src to port i at lba.
func (c *Controller) WriteSector(i int, lba uint64, src []byte) *kernel.Error {
	return c.rw(i, lba, src, true)
}

func (c *Controller) rw(i int, lba uint64, buf []byte, write bool) *kernel.Error {
	if i < 0 || i >= maxPorts || c.ports[i] == DeviceNone {
		return errBadPort
	}
	if len(buf) != sectorSize {
		return errBadPort
	}

	for n := 0; n < spinLimit && c.readPort(i, portTFD)&(tfdBSY|tfdDRQ) != 0; n++ {
		if n == spinLimit-1 {
			return errDeviceBusy
		}
	}

	slot, err := c.findFreeSlot(i)
	if err != nil {
		return err
	}

	clbPhys := c.dmaPhys + uintptr(i*1024)
	hdr := directMap(clbPhys + uintptr(slot*cmdListEntrySize))
	ctbaPhys := c.dmaPhys + uintptr(cmdTableRegionOffset+i*cmdTablesPerPort+slot*cmdTableSize)
	ctbaVirt := directMap(ctbaPhys)

	cfl := uint32(5) // sizeof(FisRegH2D)/4 == 20/4 == 5
	dw0 := cfl
	if write {
		dw0 |= 1 << 6
	}
	dw0 |= 1 << 16 // PRDTL = 1
	writeVolatile32(hdr, dw0)
	writeVolatile32(hdr+4, 0) // PRDBC

	// buf is kernel memory, which the PMO direct map covers 1:1; the HBA
	// can DMA straight to/from it, so no bounce buffer is needed.
	bufPhys := uintptr(unsafe.Pointer(&buf[0])) - vmm.PhysMemOffset()

	// CTBA was already programmed once, in rebasePort; only the command
	// table contents (FIS + PRDT) change per I/O.
	mem.Memset(ctbaVirt, 0, cmdTableSize)
	prdt := ctbaVirt + (cmdTableSize - prdtEntriesPerCmdTable*prdtEntrySize)

	writeVolatile32(prdt, uint32(bufPhys))
	writeVolatile32(prdt+4, 0)
	// DBC: byte count - 1 in bits 0..21, interrupt-on-completion in bit 31.
	// These are two distinct bit positions; the byte count must never be
	// ORed with the I bit into the same field.
	dbc := uint32(sectorSize-1) & 0x3FFFFF
	dbc |= 1 << 31
	writeVolatile32(prdt+8, dbc)

	cmdByte := uint8(ataCmdReadDmaEx)
	if write {
		cmdByte = ataCmdWriteDmaEx
	}
	fis := ctbaVirt
	writeVolatileByte(fis+0, fisTypeRegH2D)
	writeVolatileByte(fis+1, 1<<7) // C=1
	writeVolatileByte(fis+2, cmdByte)
	writeVolatileByte(fis+4, uint8(lba))
	writeVolatileByte(fis+5, uint8(lba>>8))
	writeVolatileByte(fis+6, uint8(lba>>16))
	writeVolatileByte(fis+7, 0x40) // device: LBA mode
	writeVolatileByte(fis+8, uint8(lba>>24))
	writeVolatileByte(fis+9, uint8(lba>>32))
	writeVolatileByte(fis+10, uint8(lba>>40))
	writeVolatileByte(fis+12, 1) // sector count low

	c.writePort(i, portIS, 0xFFFFFFFF)
	c.writePort(i, portCI, uint32(1)<<uint(slot))

	for n := 0; n < spinLimit; n++ {
		if c.readPort(i, portCI)&(1<<uint(slot)) == 0 {
			break
		}
		if c.readPort(i, portIS)&isTFES != 0 {
			return errTaskFileError
		}
		if n == spinLimit-1 {
			return errTaskFileError
		}
	}

	return nil
}

func (c *Controller) findFreeSlot(i int) (int, *kernel.Error) {
	busy := c.readPort(i, portSACT) | c.readPort(i, portCI)
	for slot := 0; slot < cmdSlotsPerPort; slot++ {
		if busy&(1<<uint(slot)) == 0 {
			return slot, nil
		}
	}
	return 0, errNoFreeSlot
}

func (c *Controller) read32(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(c.mmioBase + offset))
}

func (c *Controller) write32(offset uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(c.mmioBase + offset)) = value
}

func (c *Controller) portBase(i int) uintptr {
	return c.mmioBase + portRegsBase + uintptr(i)*portRegsStride
}

func (c *Controller) readPort(i int, offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(c.portBase(i) + offset))
}

func (c *Controller) writePort(i int, offset uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(c.portBase(i) + offset)) = value
}

func writeVolatile32(addr uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = value
}

func writeVolatileByte(addr uintptr, value uint8) {
	*(*uint8)(unsafe.Pointer(addr)) = value
}

func directMap(physAddr uintptr) uintptr { return vmm.PhysMemOffset() + physAddr }

// mapRegionFn is mocked by tests; in production it is vmm.MapRegion.
var mapRegionFn = vmm.MapRegion
