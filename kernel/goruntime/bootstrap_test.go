package goruntime

import (
	"testing"
	"unsafe"

	"github.com/nullcore-os/kernel/kernel/mem"
	"github.com/nullcore-os/kernel/kernel/mem/pmm"
	"github.com/nullcore-os/kernel/kernel/mem/vmm"
)

// dummyVCB and dummyFrame are non-nil placeholders so sysReserve/sysMap/
// sysAlloc's activeVCB/activeFrame-nil guards don't panic in tests; the
// indirected *Fn vars do the actual work and never touch them directly.
var (
	dummyVCB   vmm.VCB
	dummyFrame pmm.Allocator
)

func withFakeReserve(t *testing.T, cursor *uintptr) {
	t.Helper()
	origReserve := reserveFn
	origVCB := activeVCB
	activeVCB = &dummyVCB
	reserveFn = func(size mem.Size) (uintptr, error) {
		addr := *cursor
		*cursor += uintptr(size)
		return addr, nil
	}
	t.Cleanup(func() {
		reserveFn = origReserve
		activeVCB = origVCB
	})
}

func TestSysReserveReturnsReservedAddress(t *testing.T) {
	var cursor uintptr = 0x5000_0000_0000
	withFakeReserve(t, &cursor)

	ptr, ok := sysReserve(nil, 4096)
	if !ok {
		t.Fatal("expected sysReserve to succeed")
	}
	if uintptr(ptr) != 0x5000_0000_0000 {
		t.Fatalf("expected reserved address 0x5000_0000_0000, got %#x", uintptr(ptr))
	}
}

func TestSysReserveFailurePropagates(t *testing.T) {
	origReserve := reserveFn
	origVCB := activeVCB
	activeVCB = &dummyVCB
	reserveFn = func(mem.Size) (uintptr, error) { return 0, errTestOOM }
	t.Cleanup(func() {
		reserveFn = origReserve
		activeVCB = origVCB
	})

	if _, ok := sysReserve(nil, 4096); ok {
		t.Fatal("expected sysReserve to report failure")
	}
}

func TestSysMapBindsOnePagePerRegionPage(t *testing.T) {
	origAlloc, origMap := allocPageFn, mapPageFn
	origVCB, origFrame := activeVCB, activeFrame
	activeVCB, activeFrame = &dummyVCB, &dummyFrame

	var physCounter uintptr = 0x1000
	var mapped []struct{ phys, virt uintptr }
	allocPageFn = func() (uintptr, error) {
		p := physCounter
		physCounter += uintptr(mem.PageSize)
		return p, nil
	}
	mapPageFn = func(phys, virt uintptr) error {
		mapped = append(mapped, struct{ phys, virt uintptr }{phys, virt})
		return nil
	}
	t.Cleanup(func() {
		allocPageFn, mapPageFn = origAlloc, origMap
		activeVCB, activeFrame = origVCB, origFrame
	})

	var stat uint64
	sysMap(unsafe.Pointer(uintptr(0x4000_0000_0000)), uintptr(2*mem.PageSize), &stat)

	if len(mapped) != 2 {
		t.Fatalf("expected 2 pages mapped for a 2-page region, got %d", len(mapped))
	}
	if mapped[0].virt != 0x4000_0000_0000 || mapped[1].virt != 0x4000_0000_0000+uintptr(mem.PageSize) {
		t.Fatalf("unexpected virtual addresses mapped: %+v", mapped)
	}
}

func TestSysAllocReturnsRegionFromAllocRegionFn(t *testing.T) {
	origVCB := activeVCB
	activeVCB = &dummyVCB
	origAllocRegion := allocRegionFn
	allocRegionFn = func(size mem.Size) (uintptr, error) { return 0x6000_0000_0000, nil }
	t.Cleanup(func() {
		allocRegionFn = origAllocRegion
		activeVCB = origVCB
	})

	var stat uint64
	ptr := sysAlloc(100, &stat)
	if uintptr(ptr) != 0x6000_0000_0000 {
		t.Fatalf("expected 0x6000_0000_0000, got %#x", uintptr(ptr))
	}
}

func TestInitRequiresVCB(t *testing.T) {
	origVCB := activeVCB
	activeVCB = nil
	t.Cleanup(func() { activeVCB = origVCB })

	if err := Init(); err == nil {
		t.Fatal("expected Init to fail without a VCB installed")
	}
}

func TestInitRunsEveryStage(t *testing.T) {
	origVCB := activeVCB
	activeVCB = &dummyVCB
	t.Cleanup(func() { activeVCB = origVCB })

	var calls []string
	origMalloc, origAlg, origMods, origLinks, origItabs := mallocInitFn, algInitFn, modulesInitFn, typeLinksInitFn, itabsInitFn
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }
	t.Cleanup(func() {
		mallocInitFn, algInitFn, modulesInitFn, typeLinksInitFn, itabsInitFn = origMalloc, origAlg, origMods, origLinks, origItabs
	})

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	want := []string{"malloc", "alg", "modules", "typelinks", "itabs"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i, name := range want {
		if calls[i] != name {
			t.Fatalf("expected stage %d to be %q, got %q", i, name, calls[i])
		}
	}
}

func TestGetRandomDataFillsBuffer(t *testing.T) {
	buf := make([]byte, 16)
	getRandomData(buf)

	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("expected getRandomData to fill the buffer with non-trivial bytes")
	}
}

func TestNanotimeIsCallable(t *testing.T) {
	if nanotime() != 0 {
		t.Fatal("expected nanotime to return 0 with no timer source wired up")
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTestOOM = testErr("goruntime_test: simulated out of memory")
