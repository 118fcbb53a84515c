package bufmeta

import "testing"

func TestTable_AllocateFillFree(t *testing.T) {
	tbl := NewTable()
	idx, err := tbl.AllocateSlot()
	if err != nil {
		t.Fatalf("AllocateSlot: %v", err)
	}

	e := tbl.Entry(idx)
	if e.Valid() {
		t.Fatalf("freshly reserved entry should not be valid yet")
	}

	e.Fill(1, 2, 4096, 0x1000, 7, 12345)
	if !e.Valid() {
		t.Fatalf("entry should be valid after Fill")
	}
	if got := e.Refcount(); got != 1 {
		t.Fatalf("refcount after Fill = %d, want 1", got)
	}
	if e.Size != 4096 || e.PoolId != 1 || e.BlockIndex != 2 {
		t.Fatalf("Fill did not populate fields: %+v", e)
	}

	if n := e.Increment(); n != 2 {
		t.Fatalf("Increment = %d, want 2", n)
	}
	if n := e.Decrement(); n != 1 {
		t.Fatalf("Decrement = %d, want 1", n)
	}
	if n := e.Decrement(); n != 0 {
		t.Fatalf("Decrement = %d, want 0", n)
	}
	e.Invalidate()
	tbl.FreeSlot(idx)

	if e.Valid() {
		t.Fatalf("entry should be invalid after Invalidate")
	}
}

func TestTable_ExhaustedAndFreeCount(t *testing.T) {
	tbl := NewTable()
	start := tbl.FreeCount()

	idx, err := tbl.AllocateSlot()
	if err != nil {
		t.Fatalf("AllocateSlot: %v", err)
	}
	if tbl.FreeCount() != start-1 {
		t.Fatalf("FreeCount after one allocation = %d, want %d", tbl.FreeCount(), start-1)
	}

	tbl.FreeSlot(idx)
	if tbl.FreeCount() != start {
		t.Fatalf("FreeCount after FreeSlot = %d, want %d", tbl.FreeCount(), start)
	}
}

func TestTable_SetRange(t *testing.T) {
	tbl := NewTable()
	idx, _ := tbl.AllocateSlot()
	e := tbl.Entry(idx)
	e.Fill(0, 0, 8, 0, 0, 0)
	e.SetRange(10, 20)
	if e.RangeStart != 10 || e.RangeEnd != 20 {
		t.Fatalf("SetRange did not stick: %+v", e)
	}
}
