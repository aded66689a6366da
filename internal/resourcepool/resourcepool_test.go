package resourcepool

import "testing"

func TestAcquireRelease(t *testing.T) {
	p := New[uint32]()
	p.Fill([]uint32{100, 101, 102})

	a, ok := p.Acquire()
	if !ok {
		t.Fatal("expected an item")
	}
	if p.InUseCount() != 1 {
		t.Fatalf("InUseCount = %d, want 1", p.InUseCount())
	}

	p.Release(a)
	if p.InUseCount() != 0 {
		t.Fatalf("InUseCount after release = %d, want 0", p.InUseCount())
	}
	if p.Size() != 3 {
		t.Fatalf("Size after release = %d, want 3", p.Size())
	}
}

func TestAcquireExhausted(t *testing.T) {
	p := New[uint32]()
	p.Fill([]uint32{1})
	if _, ok := p.Acquire(); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := p.Acquire(); ok {
		t.Fatal("expected pool to be exhausted")
	}
}

func TestTryReserveConflict(t *testing.T) {
	p := New[uint32]()
	p.Fill([]uint32{5, 6})

	if !p.TryReserve(5) {
		t.Fatal("expected first reserve to succeed")
	}
	if p.TryReserve(5) {
		t.Fatal("expected second reserve of the same item to fail")
	}
}

func TestFillSkipsInUse(t *testing.T) {
	p := New[uint32]()
	p.TryReserve(9)
	p.Fill([]uint32{9, 10})
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1 (9 already in use)", p.Size())
	}
}
