// Package nvme drives an NVMe controller discovered on the PCI bus: admin
// queue bring-up, namespace identify, an optional I/O queue pair, and
// block-granular read/write over PRPs.
package nvme

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/hal/pci"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/vmm"
	"unsafe"
)

const (
	classStorage  = 0x01
	subclassNVMe  = 0x08
	progIFNVMHCI  = 0x02
	bar0Index     = 0

	minBARSize = uint32(4 * 1024)
	maxBARSize = uint64(1) << 48

	regCAP  = 0x00
	regVS   = 0x08
	regCC   = 0x14
	regCSTS = 0x1C
	regAQA  = 0x24
	regASQ  = 0x28
	regACQ  = 0x30

	doorbellBase = 0x1000

	capMQESMask   = 0xFFFF
	capDSTRDShift = 32
	capDSTRDMask  = 0xF
	capCSSShift   = 37
	capCSSMask    = 0xFF
	capMPSMinShift = 48
	capMPSMinMask  = 0xF

	cssNVMSupported = 1 << 0

	ccEN     = uint32(1) << 0
	ccCSSNVM = uint32(0) << 4
	ccIOSQESShift = 16
	ccIOCQESShift = 20
	ccMPSShift    = 7
	ioSQES        = 6 // 64-byte submission commands, log2(64)=6
	ioCQES        = 4 // 16-byte completions, log2(16)=4

	cstsRDY = uint32(1) << 0
	cstsCFS = uint32(1) << 1

	adminQueueDepthCap = 64
	ioQueueDepth       = 2
	ioQueueID          = 1

	opDeleteSQ     = 0x00
	opCreateSQ     = 0x01
	opDeleteCQ     = 0x04
	opCreateCQ     = 0x05
	opIdentify     = 0x06
	opGetFeatures  = 0x0A

	opIOWrite = 0x01
	opIORead  = 0x02

	featNumberOfQueues = 0x07

	identifyCNSNamespace      = 0
	identifyCNSController     = 1
	identifyCNSActiveNSList   = 2

	identifyDataSize = mem.Size(4096)

	maxActiveNamespaces = 1024
	defaultLBASize      = 512

	commandSize    = 64
	completionSize = 16

	phaseBit = uint16(1) << 0

	resetTimeoutSpins  = 15_000_000
	enableTimeoutSpins = 1_000_000
	commandTimeoutSpins = 30_000_000
)

var (
	errNoController     = &kernel.Error{Module: "nvme", Message: "no NVMe controller found on the PCI bus"}
	errBadBARSize       = &kernel.Error{Module: "nvme", Message: "BAR0 size is not a power of two in [4KiB, 2^48]"}
	errCSSUnsupported   = &kernel.Error{Module: "nvme", Message: "controller does not support the NVM command set"}
	errResetTimeout     = &kernel.Error{Module: "nvme", Message: "controller did not clear CSTS.RDY in time"}
	errEnableTimeout    = &kernel.Error{Module: "nvme", Message: "controller did not set CSTS.RDY in time"}
	errFatalStatus      = &kernel.Error{Module: "nvme", Message: "CSTS.CFS set during reset"}
	errCommandTimeout   = &kernel.Error{Module: "nvme", Message: "command did not complete in time"}
	errCommandFailed    = &kernel.Error{Module: "nvme", Message: "command completed with a nonzero status"}
	errNoSuchNamespace  = &kernel.Error{Module: "nvme", Message: "namespace id not found"}
	errTooManyPages     = &kernel.Error{Module: "nvme", Message: "transfer spans more pages than the PRP list can address"}
)

// Command is the 64-byte NVMe submission queue entry.
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	rsv0      uint64
	Metadata  uint64
	PRP1      uint64
	PRP2      uint64
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

// Completion is the 16-byte NVMe completion queue entry.
type Completion struct {
	Result    uint32
	rsv0      uint32
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Status    uint16
}

// queue is one submission/completion ring pair plus the doorbell addresses
// that make writes to it visible to the controller.
type queue struct {
	qid   uint16
	depth uint16

	sqVirt uintptr
	cqVirt uintptr

	sqDoorbell uintptr
	cqDoorbell uintptr

	tail  uint16
	head  uint16
	phase uint16
}

// Namespace mirrors just enough of the NVMe identify-namespace structure to
// drive block I/O: its id, total logical blocks, and logical block size.
type Namespace struct {
	NSID     uint32
	Blocks   uint64
	LBASize  uint32
}

// Controller owns one NVMe HBA's MMIO register block, its admin queue pair,
// an optional I/O queue pair, and the namespaces discovered on it.
type Controller struct {
	mmioBase uintptr

	stride   uint32
	pageSize uint32
	mqes     uint16

	admin queue
	io    *queue

	nextCmdID uint16

	// prpListPhys/prpListVirt is a dedicated scratch page for PRP lists built
	// by buildPRPs. rw blocks until its command completes before returning,
	// so one shared page is safe: there is never more than one in-flight
	// transfer needing a PRP list at a time.
	prpListPhys uintptr
	prpListVirt uintptr

	Namespaces []Namespace
}

// Discover enumerates the PCI bus, attaches to the first NVMe controller
// found (class 0x01, subclass 0x08, prog-if 0x02), brings up its admin
// queue, and identifies its namespaces.
func Discover(allocFrame vmm.FrameAllocatorFn) (*Controller, *kernel.Error) {
	for _, dev := range pci.Scan() {
		if dev.Class == classStorage && dev.Subclass == subclassNVMe && dev.ProgIF == progIFNVMHCI {
			return attach(dev, allocFrame)
		}
	}
	return nil, errNoController
}

func attach(dev pci.Device, allocFrame vmm.FrameAllocatorFn) (*Controller, *kernel.Error) {
	bar0Phys := uintptr(pci.BAR64(dev, bar0Index))

	barSize := pci.SizeProbeBAR32(dev, bar0Index)
	if barSize < minBARSize || barSize&(barSize-1) != 0 || uint64(barSize) > maxBARSize {
		return nil, errBadBARSize
	}

	pci.EnableBusMaster(dev)

	page, err := mapRegionFn(pmm.Frame(bar0Phys>>mem.PageShift), mem.Size(barSize), vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoCache)
	if err != nil {
		return nil, err
	}

	ctrl := &Controller{mmioBase: page.Address(), nextCmdID: 1}

	if err := ctrl.enable(allocFrame); err != nil {
		return nil, err
	}

	prpListPhys, err := allocPages(allocFrame, mem.Size(ctrl.pageSize))
	if err != nil {
		return nil, err
	}
	ctrl.prpListPhys = prpListPhys
	ctrl.prpListVirt = directMap(prpListPhys)

	if err := ctrl.identify(allocFrame); err != nil {
		return nil, err
	}

	_ = ctrl.createIOQueuePair(allocFrame) // best-effort; admin-only fallback is fine

	return ctrl, nil
}

func (c *Controller) enable(allocFrame vmm.FrameAllocatorFn) *kernel.Error {
	cap := c.read64(regCAP)

	c.mqes = uint16(cap&capMQESMask) + 1
	dstrd := uint32(cap>>capDSTRDShift) & capDSTRDMask
	c.stride = 4 << dstrd
	mpsmin := uint32(cap>>capMPSMinShift) & capMPSMinMask
	c.pageSize = 1 << (12 + mpsmin)

	css := uint32(cap>>capCSSShift) & capCSSMask
	if css&cssNVMSupported == 0 {
		return errCSSUnsupported
	}

	cc := c.read32(regCC)
	c.write32(regCC, cc&^ccEN)
	for n := 0; ; n++ {
		csts := c.read32(regCSTS)
		if csts&cstsCFS != 0 {
			return errFatalStatus
		}
		if csts&cstsRDY == 0 {
			break
		}
		if n >= resetTimeoutSpins {
			return errResetTimeout
		}
	}

	depth := c.mqes
	if depth > adminQueueDepthCap {
		depth = adminQueueDepthCap
	}

	sqPhys, err := allocPages(allocFrame, mem.Size(depth)*commandSize)
	if err != nil {
		return err
	}
	cqPhys, err := allocPages(allocFrame, mem.Size(depth)*completionSize)
	if err != nil {
		return err
	}

	c.admin = queue{
		qid:        0,
		depth:      depth,
		sqVirt:     directMap(sqPhys),
		cqVirt:     directMap(cqPhys),
		sqDoorbell: c.mmioBase + doorbellBase + uintptr(2*0*c.stride),
		cqDoorbell: c.mmioBase + doorbellBase + uintptr((2*0+1)*c.stride),
		phase:      1,
	}
	mem.Memset(c.admin.sqVirt, 0, mem.Size(depth)*commandSize)
	mem.Memset(c.admin.cqVirt, 0, mem.Size(depth)*completionSize)

	c.write32(regAQA, uint32(depth-1)|uint32(depth-1)<<16)
	c.write64(regASQ, uint64(sqPhys))
	c.write64(regACQ, uint64(cqPhys))

	cc = ccEN | ccCSSNVM | uint32(ioSQES)<<ccIOSQESShift | uint32(ioCQES)<<ccIOCQESShift | mpsmin<<ccMPSShift
	c.write32(regCC, cc)
	for n := 0; ; n++ {
		csts := c.read32(regCSTS)
		if csts&cstsCFS != 0 {
			return errFatalStatus
		}
		if csts&cstsRDY != 0 {
			break
		}
		if n >= enableTimeoutSpins {
			return errEnableTimeout
		}
	}

	return nil
}

// allocPages rounds size up to a whole number of pages and returns the
// physical base address of a contiguous, zeroed run of frames for it,
// relying on the bump frame allocator's monotonic allocation order for
// contiguity the same way kernel/hal/ahci does.
func allocPages(allocFrame vmm.FrameAllocatorFn, size mem.Size) (uintptr, *kernel.Error) {
	pageCount := (uintptr(size) + uintptr(mem.PageSize) - 1) >> mem.PageShift
	if pageCount == 0 {
		pageCount = 1
	}

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

// nextCommandID returns a monotonically-increasing command id that never
// wraps to 0.
func (c *Controller) nextCommandID() uint16 {
	id := c.nextCmdID
	c.nextCmdID++
	if c.nextCmdID == 0 {
		c.nextCmdID = 1
	}
	return id
}

// submit copies cmd into q's next SQ slot, issues a store fence, advances
// the tail and rings the SQ doorbell.
func (c *Controller) submit(q *queue, cmd *Command) {
	cmd.CommandID = c.nextCommandID()

	slot := q.sqVirt + uintptr(q.tail)*commandSize
	*(*Command)(unsafe.Pointer(slot)) = *cmd

	storeFenceFn()

	q.tail = (q.tail + 1) % q.depth
	writeVolatile32(q.sqDoorbell, uint32(q.tail))
}

// waitCompletion polls q's completion ring for the entry matching cmdID,
// consumes it (advancing head, toggling phase on wrap, ringing the CQ
// doorbell) and returns it. The entry comes back with errCommandFailed when
// its status code or status type is nonzero, and errCommandTimeout is
// returned if no matching entry shows up within commandTimeoutSpins polls.
func (c *Controller) waitCompletion(q *queue, cmdID uint16) (Completion, *kernel.Error) {
	for n := 0; ; n++ {
		loadFenceFn()
		cqe := (*Completion)(unsafe.Pointer(q.cqVirt + uintptr(q.head)*completionSize))

		if (cqe.Status&phaseBit != 0) == (q.phase != 0) && cqe.CommandID == cmdID {
			result := *cqe

			q.head++
			if q.head == q.depth {
				q.head = 0
				q.phase ^= 1
			}
			writeVolatile32(q.cqDoorbell, uint32(q.head))

			statusCode := (result.Status >> 1) & 0xFF
			statusType := (result.Status >> 9) & 0x7
			if statusCode != 0 || statusType != 0 {
				return result, errCommandFailed
			}
			return result, nil
		}

		if n >= commandTimeoutSpins {
			return Completion{}, errCommandTimeout
		}
	}
}

func (c *Controller) adminCommand(cmd *Command) (Completion, *kernel.Error) {
	c.submit(&c.admin, cmd)
	return c.waitCompletion(&c.admin, cmd.CommandID)
}

// identify reads the controller identify structure (unused beyond
// confirming the command succeeds), the active namespace id list, and the
// per-namespace identify structure for each active NSID.
func (c *Controller) identify(allocFrame vmm.FrameAllocatorFn) *kernel.Error {
	bufPhys, err := allocPages(allocFrame, identifyDataSize)
	if err != nil {
		return err
	}
	bufVirt := directMap(bufPhys)

	ctrlCmd := &Command{Opcode: opIdentify, CDW10: identifyCNSController, PRP1: uint64(bufPhys)}
	if _, err := c.adminCommand(ctrlCmd); err != nil {
		return err
	}

	nsListCmd := &Command{Opcode: opIdentify, CDW10: identifyCNSActiveNSList, PRP1: uint64(bufPhys)}
	if _, err := c.adminCommand(nsListCmd); err != nil {
		return err
	}

	nsids := make([]uint32, 0, maxActiveNamespaces)
	for i := 0; i < maxActiveNamespaces; i++ {
		id := *(*uint32)(unsafe.Pointer(bufVirt + uintptr(i*4)))
		if id == 0 {
			break
		}
		nsids = append(nsids, id)
	}

	for _, nsid := range nsids {
		nsCmd := &Command{Opcode: opIdentify, NSID: nsid, CDW10: identifyCNSNamespace, PRP1: uint64(bufPhys)}
		if _, err := c.adminCommand(nsCmd); err != nil {
			continue
		}

		nlbaf := *(*uint8)(unsafe.Pointer(bufVirt + 25))
		flbas := *(*uint8)(unsafe.Pointer(bufVirt + 26))
		nsze := *(*uint64)(unsafe.Pointer(bufVirt))

		lbaSize := uint32(defaultLBASize)
		lbaFormatIndex := flbas & 0xF
		if lbaFormatIndex <= nlbaf {
			lbadsOff := 128 + uintptr(lbaFormatIndex)*4 + 2
			lbads := *(*uint8)(unsafe.Pointer(bufVirt + lbadsOff))
			lbaSize = 1 << lbads
		}

		c.Namespaces = append(c.Namespaces, Namespace{NSID: nsid, Blocks: nsze, LBASize: lbaSize})
	}

	return nil
}

// createIOQueuePair asks the controller how many I/O queues it grants,
// then allocates one I/O queue pair at qid 1 depth 2 and issues CREATE CQ
// then CREATE SQ, unwinding the CQ on a failed SQ create. Any failure here
// leaves the controller on admin-only operation.
func (c *Controller) createIOQueuePair(allocFrame vmm.FrameAllocatorFn) *kernel.Error {
	featCmd := &Command{Opcode: opGetFeatures, CDW10: featNumberOfQueues}
	if _, err := c.adminCommand(featCmd); err != nil {
		return err
	}

	sqPhys, err := allocPages(allocFrame, mem.Size(ioQueueDepth)*commandSize)
	if err != nil {
		return err
	}
	cqPhys, err := allocPages(allocFrame, mem.Size(ioQueueDepth)*completionSize)
	if err != nil {
		return err
	}
	mem.Memset(directMap(sqPhys), 0, mem.Size(ioQueueDepth)*commandSize)
	mem.Memset(directMap(cqPhys), 0, mem.Size(ioQueueDepth)*completionSize)

	createCQCmd := &Command{
		Opcode: opCreateCQ,
		PRP1:   uint64(cqPhys),
		CDW10:  uint32(ioQueueID)<<16 | uint32(ioQueueDepth-1),
		CDW11:  1, // PC=1
	}
	if _, err := c.adminCommand(createCQCmd); err != nil {
		return err
	}

	createSQCmd := &Command{
		Opcode: opCreateSQ,
		PRP1:   uint64(sqPhys),
		CDW10:  uint32(ioQueueID)<<16 | uint32(ioQueueDepth-1),
		CDW11:  uint32(ioQueueID)<<16 | 1, // CQID<<16 | PC=1
	}
	if _, err := c.adminCommand(createSQCmd); err != nil {
		deleteCQCmd := &Command{Opcode: opDeleteCQ, CDW10: ioQueueID}
		c.adminCommand(deleteCQCmd)
		return err
	}

	c.io = &queue{
		qid:        ioQueueID,
		depth:      ioQueueDepth,
		sqVirt:     directMap(sqPhys),
		cqVirt:     directMap(cqPhys),
		sqDoorbell: c.mmioBase + doorbellBase + uintptr(2*ioQueueID*int(c.stride)),
		cqDoorbell: c.mmioBase + doorbellBase + uintptr((2*ioQueueID+1)*int(c.stride)),
		phase:      1,
	}

	return nil
}

// ReadBlocks reads numBlocks logical blocks starting at lba from namespace
// nsid into dst, which must be direct-map-resident kernel memory at least
// numBlocks*LBASize bytes long.
func (c *Controller) ReadBlocks(nsid uint32, lba uint64, numBlocks uint32, dst []byte) *kernel.Error {
	return c.rw(nsid, lba, numBlocks, dst, opIORead)
}

// WriteBlocks writes numBlocks logical blocks starting at lba to namespace
// nsid from src.
func (c *Controller) WriteBlocks(nsid uint32, lba uint64, numBlocks uint32, src []byte) *kernel.Error {
	return c.rw(nsid, lba, numBlocks, src, opIOWrite)
}

func (c *Controller) rw(nsid uint32, lba uint64, numBlocks uint32, buf []byte, opcode uint8) *kernel.Error {
	if !c.hasNamespace(nsid) {
		return errNoSuchNamespace
	}

	bufPhys := uintptr(unsafe.Pointer(&buf[0])) - vmm.PhysMemOffset()
	prp1, prp2, err := c.buildPRPs(bufPhys, len(buf))
	if err != nil {
		return err
	}

	cmd := &Command{
		Opcode: opcode,
		NSID:   nsid,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  uint32(numBlocks-1) & 0xFFFF,
	}

	q := &c.admin
	if c.io != nil {
		q = c.io
	}

	c.submit(q, cmd)
	_, err = c.waitCompletion(q, cmd.CommandID)
	return err
}

// buildPRPs lays out PRP1/PRP2 for a transfer of length bytes starting at
// physAddr, per spec: one page needs only PRP1, two pages use PRP1/PRP2 as
// direct pointers, and more than two pages route PRP2 through a PRP list.
func (c *Controller) buildPRPs(physAddr uintptr, length int) (uint64, uint64, *kernel.Error) {
	pageSize := uintptr(c.pageSize)
	firstPageBytes := pageSize - (physAddr & (pageSize - 1))
	if uintptr(length) <= firstPageBytes {
		return uint64(physAddr), 0, nil
	}

	remaining := uintptr(length) - firstPageBytes
	pageCount := 1 + (remaining+pageSize-1)/pageSize

	if pageCount == 2 {
		return uint64(physAddr), uint64(physAddr + pageSize), nil
	}

	if pageCount-1 > pageSize/8 {
		return 0, 0, errTooManyPages
	}

	for i := uintptr(1); i < pageCount; i++ {
		writeVolatile64(c.prpListVirt+(i-1)*8, uint64(physAddr+i*pageSize))
	}

	return uint64(physAddr), uint64(c.prpListPhys), nil
}

func (c *Controller) hasNamespace(nsid uint32) bool {
	for _, ns := range c.Namespaces {
		if ns.NSID == nsid {
			return true
		}
	}
	return false
}

func (c *Controller) read32(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(c.mmioBase + offset))
}

func (c *Controller) write32(offset uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(c.mmioBase + offset)) = value
}

func (c *Controller) read64(offset uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(c.mmioBase + offset))
}

func (c *Controller) write64(offset uintptr, value uint64) {
	*(*uint64)(unsafe.Pointer(c.mmioBase + offset)) = value
}

func writeVolatile32(addr uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = value
}

func writeVolatile64(addr uintptr, value uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = value
}

func directMap(physAddr uintptr) uintptr { return vmm.PhysMemOffset() + physAddr }

// mapRegionFn is mocked by tests; in production it is vmm.MapRegion.
var mapRegionFn = vmm.MapRegion

// storeFenceFn and loadFenceFn are mocked by tests; in production they are
// cpu.StoreFence/cpu.LoadFence.
var (
	storeFenceFn = cpu.StoreFence
	loadFenceFn  = cpu.LoadFence
)
