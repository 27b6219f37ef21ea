package ahci

import (
	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/vmm"
	"testing"
	"time"
	"unsafe"
)

func fakeController(t *testing.T) (*Controller, []byte, []byte) {
	t.Helper()
	vmm.SetPhysMemOffset(0)

	mmio := make([]byte, 0x2000)
	dma := make([]byte, dmaRegionSize)

	ctrl := &Controller{
		mmioBase: uintptr(unsafe.Pointer(&mmio[0])),
		dmaPhys:  uintptr(unsafe.Pointer(&dma[0])),
	}
	ctrl.dmaVirt = directMap(ctrl.dmaPhys)

	return ctrl, mmio, dma
}

func (c *Controller) setPortSSTS(i int, det, ipm uint32) {
	c.writePort(i, portSSTS, det|ipm<<sstsIPMShift)
}

func TestProbePortClassifiesDeviceType(t *testing.T) {
	ctrl, _, _ := fakeController(t)

	tests := []struct {
		name string
		sig  uint32
		want DeviceType
	}{
		{"sata", sigSATA, DeviceSATA},
		{"satapi", sigSATAPI, DeviceSATAPI},
		{"semb", sigSEMB, DeviceSEMB},
		{"pm", sigPM, DevicePM},
	}

	for i, tt := range tests {
		ctrl.setPortSSTS(i, sstsDETPresent, sstsIPMActive)
		ctrl.writePort(i, portSIG, tt.sig)

		if got := ctrl.probePort(i); got != tt.want {
			t.Errorf("%s: expected device type %d; got %d", tt.name, tt.want, got)
		}
	}
}

func TestProbePortRejectsInactiveOrAbsentDevices(t *testing.T) {
	ctrl, _, _ := fakeController(t)

	ctrl.setPortSSTS(0, 0, 0) // no device present
	ctrl.writePort(0, portSIG, sigSATA)
	if got := ctrl.probePort(0); got != DeviceNone {
		t.Errorf("expected DeviceNone for DET=0; got %d", got)
	}

	ctrl.setPortSSTS(1, sstsDETPresent, 0) // present but not active (slumber/sleep)
	ctrl.writePort(1, portSIG, sigSATA)
	if got := ctrl.probePort(1); got != DeviceNone {
		t.Errorf("expected DeviceNone for inactive IPM; got %d", got)
	}
}

func TestRebasePortLaysOutCommandHeadersAndRegisters(t *testing.T) {
	ctrl, _, dma := fakeController(t)

	const port = 3
	ctrl.rebasePort(port)

	wantCLB := ctrl.dmaPhys + uintptr(port*1024)
	if got := uint64(ctrl.readPort(port, portCLB)) | uint64(ctrl.readPort(port, portCLBU))<<32; got != uint64(wantCLB) {
		t.Errorf("CLB: expected %#x; got %#x", wantCLB, got)
	}

	wantFB := ctrl.dmaPhys + uintptr(fisRegionOffset+port*256)
	if got := uint64(ctrl.readPort(port, portFB)) | uint64(ctrl.readPort(port, portFBU))<<32; got != uint64(wantFB) {
		t.Errorf("FB: expected %#x; got %#x", wantFB, got)
	}

	for slot := 0; slot < cmdSlotsPerPort; slot++ {
		hdrOff := uintptr(port*1024) + uintptr(slot*cmdListEntrySize)
		dw0 := *(*uint32)(unsafe.Pointer(&dma[hdrOff]))
		if prdtl := dw0 >> 16; prdtl != prdtEntriesPerCmdTable {
			t.Fatalf("slot %d: expected PRDTL=%d; got %d", slot, prdtEntriesPerCmdTable, prdtl)
		}

		wantCTBA := ctrl.dmaPhys + uintptr(cmdTableRegionOffset+port*cmdTablesPerPort+slot*cmdTableSize)
		gotCTBALow := *(*uint32)(unsafe.Pointer(&dma[hdrOff+8]))
		if gotCTBALow != uint32(wantCTBA) {
			t.Errorf("slot %d: expected CTBA low32 %#x; got %#x", slot, uint32(wantCTBA), gotCTBALow)
		}
		gotCTBAHigh := *(*uint32)(unsafe.Pointer(&dma[hdrOff+12]))
		if gotCTBAHigh != 0 {
			t.Errorf("slot %d: expected CTBAU 0 (32-bit-only addressing); got %#x", slot, gotCTBAHigh)
		}
	}
}

func TestFindFreeSlotSkipsBusySlots(t *testing.T) {
	ctrl, _, _ := fakeController(t)

	ctrl.writePort(0, portSACT, 0x3)  // slots 0,1 busy
	ctrl.writePort(0, portCI, 0x4)    // slot 2 busy

	slot, err := ctrl.findFreeSlot(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot != 3 {
		t.Errorf("expected free slot 3; got %d", slot)
	}
}

func TestFindFreeSlotReportsErrorWhenAllBusy(t *testing.T) {
	ctrl, _, _ := fakeController(t)

	ctrl.writePort(0, portSACT, 0xFFFFFFFF)

	if _, err := ctrl.findFreeSlot(0); err != errNoFreeSlot {
		t.Fatalf("expected errNoFreeSlot; got %v", err)
	}
}

// simulateHardwareCompletion clears the CI bit for slot shortly after the
// caller issues the command, standing in for the HBA acknowledging command
// completion.
func simulateHardwareCompletion(t *testing.T, ctrl *Controller, port, slot int) {
	t.Helper()
	go func() {
		for i := 0; i < 10000; i++ {
			if ctrl.readPort(port, portCI)&(1<<uint(slot)) != 0 {
				ctrl.writePort(port, portCI, 0)
				return
			}
			time.Sleep(time.Microsecond)
		}
	}()
}

func TestWriteSectorBuildsFISAndDBCWithSeparateInterruptBit(t *testing.T) {
	ctrl, _, dma := fakeController(t)

	const port = 1
	ctrl.ports[port] = DeviceSATA
	ctrl.rebasePort(port)
	simulateHardwareCompletion(t, ctrl, port, 0)

	buf := make([]byte, sectorSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	if err := ctrl.WriteSector(port, 0x1234, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctbaPhys := ctrl.dmaPhys + uintptr(cmdTableRegionOffset+port*cmdTablesPerPort)
	ctbaOff := ctbaPhys - uintptr(unsafe.Pointer(&dma[0]))
	prdtOff := ctbaOff + (cmdTableSize - prdtEntriesPerCmdTable*prdtEntrySize)

	dbc := *(*uint32)(unsafe.Pointer(&dma[prdtOff+8]))
	if byteCount := dbc & 0x3FFFFF; byteCount != sectorSize-1 {
		t.Errorf("expected DBC byte-count field %d; got %d", sectorSize-1, byteCount)
	}
	if dbc&(1<<31) == 0 {
		t.Errorf("expected DBC interrupt-on-completion bit set")
	}

	fisType := dma[ctbaOff]
	if fisType != fisTypeRegH2D {
		t.Errorf("expected FIS type %#x; got %#x", fisTypeRegH2D, fisType)
	}
	cmdByte := dma[ctbaOff+2]
	if cmdByte != ataCmdWriteDmaEx {
		t.Errorf("expected command %#x; got %#x", ataCmdWriteDmaEx, cmdByte)
	}
}

func TestReadSectorRejectsWrongBufferSize(t *testing.T) {
	ctrl, _, _ := fakeController(t)
	ctrl.ports[0] = DeviceSATA

	if err := ctrl.ReadSector(0, 0, make([]byte, 128)); err == nil {
		t.Fatalf("expected an error for a short buffer")
	}
}

func TestReadSectorRejectsUnknownPort(t *testing.T) {
	ctrl, _, _ := fakeController(t)

	if err := ctrl.ReadSector(7, 0, make([]byte, sectorSize)); err != errBadPort {
		t.Fatalf("expected errBadPort; got %v", err)
	}
}

func TestAllocContiguousAdvancesFrameAllocatorOncePerPage(t *testing.T) {
	var calls int
	allocFn := func() (pmm.Frame, *kernel.Error) {
		calls++
		return pmm.Frame(calls), nil
	}

	size := mem.Size(3 * mem.PageSize)
	base, err := allocContiguous(allocFn, size)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 frame allocations; got %d", calls)
	}
	if want := pmm.Frame(1).Address(); base != want {
		t.Errorf("expected base address %#x; got %#x", want, base)
	}
}
