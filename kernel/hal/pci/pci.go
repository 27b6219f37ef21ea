// Package pci discovers devices on the PCI configuration-space bus using
// the CF8/CFC address/data port pair (Configuration Access Mechanism #1).
package pci

import "nucleus/kernel/cpu"

const (
	configAddressPort = 0xCF8
	configDataPort    = 0xCFC

	enableBit = uint32(1) << 31

	maxBus  = 256
	maxSlot = 32
	maxFunc = 8

	vendorIDAbsent = 0xFFFF

	// headerTypeMultiFunction marks bit 7 of the header-type register;
	// when clear, only function 0 of a slot is probed.
	headerTypeMultiFunction = 0x80
)

// Device describes one PCI function discovered during enumeration.
type Device struct {
	Bus, Slot, Func uint8

	VendorID, DeviceID uint16
	Class, Subclass, ProgIF uint8

	// headerType is cached so callers don't need a second config read
	// to tell a multi-function device from a single-function one.
	headerType uint8
}

// address composes the CF8 value selecting (bus, slot, func, register)
// per the Configuration Access Mechanism #1 layout.
func address(bus, slot, fn uint8, reg uint8) uint32 {
	return enableBit |
		uint32(bus)<<16 |
		uint32(slot)<<11 |
		uint32(fn)<<8 |
		uint32(reg&0xFC)
}

// ReadConfigDWord reads a 32-bit dword at the given (bus, slot, func, reg).
// reg must be 4-byte aligned; low bits are masked off as CF8 requires.
func ReadConfigDWord(bus, slot, fn uint8, reg uint8) uint32 {
	outlFn(configAddressPort, address(bus, slot, fn, reg))
	return inlFn(configDataPort)
}

// WriteConfigDWord writes a 32-bit dword at the given (bus, slot, func, reg).
func WriteConfigDWord(bus, slot, fn uint8, reg uint8, value uint32) {
	outlFn(configAddressPort, address(bus, slot, fn, reg))
	outlFn(configDataPort, value)
}

// Scan performs a brute-force enumeration of every (bus, slot, function)
// triple, skipping functions beyond 0 on single-function devices, and
// returns every device whose vendor ID is not the "not present" sentinel
// 0xFFFF. Devices are returned in ascending (bus, slot, func) order.
func Scan() []Device {
	var devices []Device

	for bus := 0; bus < maxBus; bus++ {
		for slot := 0; slot < maxSlot; slot++ {
			dev, ok := probeFunction(uint8(bus), uint8(slot), 0)
			if !ok {
				continue
			}
			devices = append(devices, dev)

			if dev.headerType&headerTypeMultiFunction == 0 {
				continue
			}

			for fn := 1; fn < maxFunc; fn++ {
				if dev, ok := probeFunction(uint8(bus), uint8(slot), uint8(fn)); ok {
					devices = append(devices, dev)
				}
			}
		}
	}

	return devices
}

// probeFunction reads the identification and class registers for one
// (bus, slot, func) triple. ok is false when no device responds.
func probeFunction(bus, slot, fn uint8) (Device, bool) {
	idReg := ReadConfigDWord(bus, slot, fn, 0x00)
	vendorID := uint16(idReg & 0xFFFF)
	if vendorID == vendorIDAbsent {
		return Device{}, false
	}

	classReg := ReadConfigDWord(bus, slot, fn, 0x08)
	headerReg := ReadConfigDWord(bus, slot, fn, 0x0C)

	return Device{
		Bus:        bus,
		Slot:       slot,
		Func:       fn,
		VendorID:   vendorID,
		DeviceID:   uint16(idReg >> 16),
		ProgIF:     uint8(classReg >> 8),
		Subclass:   uint8(classReg >> 16),
		Class:      uint8(classReg >> 24),
		headerType: uint8(headerReg >> 16),
	}, true
}

// BAR reads base-address register index (0-5) for dev.
func BAR(dev Device, index uint8) uint32 {
	return ReadConfigDWord(dev.Bus, dev.Slot, dev.Func, 0x10+4*index)
}

// BAR64 combines a 32-bit memory BAR at index with the next BAR (its
// upper 32 bits) into a full 64-bit physical address, masking off the
// low 4 type/flag bits as the spec's BAR0/BAR1-combine note requires.
func BAR64(dev Device, index uint8) uint64 {
	low := uint64(BAR(dev, index) &^ 0xF)
	high := uint64(BAR(dev, index+1))
	return high<<32 | low
}

// EnableBusMaster sets the bus-mastering and memory-space-enable bits in
// the PCI command register (offset 0x04), required before a device can
// perform DMA.
func EnableBusMaster(dev Device) {
	cmd := ReadConfigDWord(dev.Bus, dev.Slot, dev.Func, 0x04)
	WriteConfigDWord(dev.Bus, dev.Slot, dev.Func, 0x04, cmd|0x06)
}

// SizeProbeBAR32 determines the size of a 32-bit memory BAR using the
// conventional write-all-ones / read-back / restore technique: the BAR's
// original value is saved, all bits are set, the device reports back only
// the address bits it actually decodes, and the original value is
// restored before returning.
func SizeProbeBAR32(dev Device, index uint8) uint32 {
	reg := uint8(0x10 + 4*index)
	orig := ReadConfigDWord(dev.Bus, dev.Slot, dev.Func, reg)

	WriteConfigDWord(dev.Bus, dev.Slot, dev.Func, reg, 0xFFFFFFFF)
	mask := ReadConfigDWord(dev.Bus, dev.Slot, dev.Func, reg)
	WriteConfigDWord(dev.Bus, dev.Slot, dev.Func, reg, orig)

	size := ^(mask &^ 0xF) + 1
	return size
}

var (
	outlFn = cpu.Outl
	inlFn  = cpu.Inl
)
