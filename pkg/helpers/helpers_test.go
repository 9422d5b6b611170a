package helpers

import (
	"testing"

	"github.com/vmtrace/hvbpf/pkg/maps"
)

type staticNamer struct{}

func (staticNamer) Name(uint32) (string, bool) { return "", false }

func newTestTable() *Table {
	return NewTable(maps.NewRegistry(4096), staticNamer{})
}

func TestCurrentContextHelpersReflectSetContext(t *testing.T) {
	tbl := newTestTable()

	if v := tbl.getCurrentVMID(0, 0, 0, 0, 0); v != 0 {
		t.Fatalf("getCurrentVMID before SetCurrentContext = %d, want 0", v)
	}

	tbl.SetCurrentContext(7, 2, 0x11)
	if v := tbl.getCurrentVMID(0, 0, 0, 0, 0); v != 7 {
		t.Fatalf("getCurrentVMID = %d, want 7", v)
	}
	if v := tbl.getCurrentVCPUID(0, 0, 0, 0, 0); v != 2 {
		t.Fatalf("getCurrentVCPUID = %d, want 2", v)
	}
	if v := tbl.getExitReason(0, 0, 0, 0, 0); v != 0x11 {
		t.Fatalf("getExitReason = %#x, want 0x11", v)
	}

	tbl.ClearCurrentContext()
	if v := tbl.getCurrentVMID(0, 0, 0, 0, 0); v != 0 {
		t.Fatalf("getCurrentVMID after Clear = %d, want 0", v)
	}
}

func TestLookupFindsEveryRegisteredHelper(t *testing.T) {
	tbl := newTestTable()
	for _, num := range []uint32{
		NumLookup, NumUpdate, NumDelete, NumProbeRead, NumProbeReadKernel,
		NumKtimeNs, NumTraceWrite, NumCPUID, NumEventName,
		NumGetCurrentVMID, NumGetCurrentVCPUID, NumGetExitReason,
	} {
		if _, ok := tbl.Lookup(num); !ok {
			t.Fatalf("helper %d not registered", num)
		}
	}
}
