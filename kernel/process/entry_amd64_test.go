package process

import "testing"

func TestInitSyscallMSRsProgramsStarLstarSfmask(t *testing.T) {
	orig := writeMSRFn
	defer func() { writeMSRFn = orig }()

	written := map[uint32]uint64{}
	writeMSRFn = func(addr uint32, value uint64) { written[addr] = value }

	const (
		kernelCS = uint16(1 << 3)
		userCS   = uint16(3<<3 | 3)
		entry    = uintptr(0xffff800000001000)
	)

	InitSyscallMSRs(kernelCS, userCS, entry)

	if got, want := written[lstarMSR], uint64(entry); got != want {
		t.Errorf("LSTAR: expected %#x; got %#x", want, got)
	}
	if got := written[sfmaskMSR]; got != rflagsIF {
		t.Errorf("SFMASK: expected the IF bit set; got %#x", got)
	}

	wantStar := uint64(kernelCS)<<32 | uint64(userCS-16)<<48
	if got := written[starMSR]; got != wantStar {
		t.Errorf("STAR: expected %#x; got %#x", wantStar, got)
	}
}
