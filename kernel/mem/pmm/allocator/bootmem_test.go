package allocator

import (
	"nucleus/kernel/hal/multiboot"
	"testing"
	"unsafe"
)

// region 1 spans [0 - 9fc00), usable for 159 whole frames (the trailing 3072
// bytes don't make up a full frame and are dropped).
// region 2 spans [100000 - 7fe0000), usable for exactly 32480 frames.
const expTotalFrames = 159 + 32480

func TestBootMemoryAllocator(t *testing.T) {
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	var (
		alloc     bootMemAllocator
		allocated uint64
		prevAddr  uintptr
		havePrev  bool
	)
	alloc.init()

	for {
		frame, err := alloc.AllocFrame()
		if err != nil {
			if err == errBootAllocOutOfMemory {
				break
			}
			t.Fatalf("[frame %d] unexpected allocator error: %v", allocated, err)
		}

		if !frame.Valid() {
			t.Errorf("[frame %d] expected Valid() to return true", allocated)
		}

		if havePrev && frame.Address() <= prevAddr {
			t.Errorf("[frame %d] expected strictly increasing addresses; got %#x after %#x", allocated, frame.Address(), prevAddr)
		}
		prevAddr = frame.Address()
		havePrev = true
		allocated++
	}

	if allocated != expTotalFrames {
		t.Errorf("expected allocator to hand out %d frames; got %d", expTotalFrames, allocated)
	}
}

func TestBootMemoryAllocatorMonotonic(t *testing.T) {
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	var alloc bootMemAllocator
	alloc.init()

	f0, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	f1, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if f1 != f0+1 {
		t.Errorf("expected consecutive frames within a region; got %d then %d", f0, f1)
	}
}

var (
	// A dump of multiboot data when running under qemu containing only the
	// memory region tag.  The dump encodes the following available memory
	// regions:
	// [     0 -   9fc00] length:    654336
	// [100000 - 7fe0000] length: 133038080
	multibootMemoryMap = []byte{
		72, 5, 0, 0, 0, 0, 0, 0,
		6, 0, 0, 0, 160, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		0, 4, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0,
		0, 0, 238, 7, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 254, 7, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 255, 0, 0, 0, 0,
		0, 0, 4, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		9, 0, 0, 0, 212, 3, 0, 0, 24, 0, 0, 0, 40, 0, 0, 0,
		21, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 27, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 16, 0, 0, 16, 0, 0,
		24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// TestInitAndPrintMemoryMap exercises Init/printMemoryMap without a real
// console attached; kfmt.Printf falls back to its internal ring buffer when
// no output sink has been registered yet.
func TestInitAndPrintMemoryMap(t *testing.T) {
	defer func() { earlyAllocator = bootMemAllocator{} }()

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	Init()

	frame, err := AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != 0 {
		t.Errorf("expected first frame handed out after Init() to be frame 0; got %d", frame)
	}
}
