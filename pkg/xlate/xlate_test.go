package xlate

import "testing"

// buildIdentityPageTable constructs a minimal four-level table backing
// store (as a map keyed by physical address) that maps gva's exact VA
// range to a page starting at physPage via page (L3) descriptors only.
func buildIdentityPageTable(gva uint64, physPage uint64) (mem map[uint64]uint64, ttbr1 uint64) {
	mem = make(map[uint64]uint64)
	const (
		l0Base = 0x1000
		l1Base = 0x2000
		l2Base = 0x3000
		l3Base = 0x4000
	)
	put := func(base uint64, idx uint64, val uint64) { mem[base+idx*8] = val }

	put(l0Base, tableIndex(gva, 39), l1Base|descTableOrPage|1)
	put(l1Base, tableIndex(gva, 30), l2Base|descTableOrPage|1)
	put(l2Base, tableIndex(gva, 21), l3Base|descTableOrPage|1)
	put(l3Base, tableIndex(gva, 12), (physPage&descAddrMask)|descTableOrPage|1)

	return mem, l0Base
}

func TestGVAToGPAPageWalk(t *testing.T) {
	const gva = uint64(0x0000_aaaa_1234_5678)
	const physPage = uint64(0x8000_0000)
	mem, ttbr1 := buildIdentityPageTable(gva, physPage)

	tr := &Translator{
		ReadGuestPTE: func(paddr uint64, vmID uint32) (uint64, error) {
			return mem[paddr], nil
		},
	}
	gpa, err := tr.GVAToGPA(gva, ttbr1, 0)
	if err != nil {
		t.Fatalf("GVAToGPA: %v", err)
	}
	want := physPage | (gva & pageOffsetMask)
	if gpa != want {
		t.Fatalf("gpa = %#x, want %#x", gpa, want)
	}
}

func TestGVAToGPAInvalidL0Fails(t *testing.T) {
	tr := &Translator{
		ReadGuestPTE: func(paddr uint64, vmID uint32) (uint64, error) { return 0, nil },
	}
	if _, err := tr.GVAToGPA(0x1000, 0x1000, 0); err == nil {
		t.Fatal("expected BadState for an all-zero (invalid) L0 descriptor")
	}
}

func TestGVAToGPAMissingHookIsUnsupported(t *testing.T) {
	tr := &Translator{}
	if _, err := tr.GVAToGPA(0x1000, 0x1000, 0); err == nil {
		t.Fatal("expected Unsupported with no reader hook installed")
	}
}

func TestGVAToHVAPrefersDirectHook(t *testing.T) {
	called := false
	tr := &Translator{
		GVAToHVAHook: func(gva uint64, vmID uint32) (uintptr, error) {
			called = true
			return 0xdead0000, nil
		},
		ReadGuestPTE: func(paddr uint64, vmID uint32) (uint64, error) {
			t.Fatal("the page-table walk should not run when a direct hook is installed")
			return 0, nil
		},
	}
	hva, err := tr.GVAToHVA(0x1000, 0)
	if err != nil {
		t.Fatalf("GVAToHVA: %v", err)
	}
	if !called || hva != 0xdead0000 {
		t.Fatalf("hva = %#x, called=%v", hva, called)
	}
}

func TestGVAToHVAFullChainWithoutDirectHook(t *testing.T) {
	const gva = uint64(0x0000_bbbb_2000_3000)
	const physPage = uint64(0x9000_0000)
	mem, ttbr1 := buildIdentityPageTable(gva, physPage)

	tr := &Translator{
		ReadGuestPTE: func(paddr uint64, vmID uint32) (uint64, error) { return mem[paddr], nil },
		VMTTBR1Hook:  func(vmID uint32) (uint64, error) { return ttbr1, nil },
		GPAToHPAHook: func(gpa uint64, vmID uint32) (uint64, error) { return gpa + 0x1000_0000, nil },
		PhysToVirt:   func(hpa uint64) (uintptr, error) { return uintptr(hpa) | 0xffff_0000_0000_0000, nil },
	}
	hva, err := tr.GVAToHVA(gva, 0)
	if err != nil {
		t.Fatalf("GVAToHVA: %v", err)
	}
	wantGPA := physPage | (gva & pageOffsetMask)
	wantHPA := wantGPA + 0x1000_0000
	wantHVA := uintptr(wantHPA) | 0xffff_0000_0000_0000
	if hva != wantHVA {
		t.Fatalf("hva = %#x, want %#x", hva, wantHVA)
	}
}
