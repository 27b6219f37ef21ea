package cpu

import "testing"

func TestInitGDT(t *testing.T) {
	defer func() { installGDTFn = installGDT }()

	var gotTSS, gotIST uint16
	var gotIST0, gotRSP0 uintptr
	installGDTFn = func(tssSel uint16, istIndex uint8, ist0Top, rsp0Top uintptr) {
		gotTSS = tssSel
		gotIST = uint16(istIndex)
		gotIST0 = ist0Top
		gotRSP0 = rsp0Top
	}

	InitGDT()

	if gotTSS != tssSelector {
		t.Errorf("expected tss selector %#x; got %#x", tssSelector, gotTSS)
	}
	if gotIST != doubleFaultISTIndex {
		t.Errorf("expected IST index %d; got %d", doubleFaultISTIndex, gotIST)
	}
	if gotIST0 == 0 || gotRSP0 == 0 {
		t.Fatal("expected non-zero stack top addresses")
	}
	if gotIST0 == gotRSP0 {
		t.Fatal("expected the double-fault and RSP0 stacks to be distinct")
	}
}
