package netnspool

import (
	"fmt"
	"testing"
)

func newTestPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	p := New(capacity, t.TempDir(), "")
	p.build = func(Slot) error { return nil }
	p.teardown = func(Slot) {}
	return p
}

func TestAcquireAssignsDistinctSlots(t *testing.T) {
	p := newTestPool(t, 2)

	r1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	r2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if r1.Slot.Index == r2.Slot.Index {
		t.Fatalf("expected distinct slots, got %d and %d", r1.Slot.Index, r2.Slot.Index)
	}
}

func TestAcquireExhausted(t *testing.T) {
	p := newTestPool(t, 1)

	r1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r1.Release()

	if _, err := p.Acquire(); err != ErrPoolExhausted {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestReleaseFreesSlotForReuse(t *testing.T) {
	p := newTestPool(t, 1)

	r1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r1.Release()

	r2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if r2.Slot.Index != r1.Slot.Index {
		t.Fatalf("expected slot %d reused, got %d", r1.Slot.Index, r2.Slot.Index)
	}
}

func TestAcquireSurfacesBuildFailure(t *testing.T) {
	p := newTestPool(t, 1)
	wantErr := fmt.Errorf("boom")
	p.build = func(Slot) error { return wantErr }

	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected build error to surface")
	}

	// The lock must have been released on build failure, or a second
	// Acquire would wrongly report exhaustion.
	p.build = func(Slot) error { return nil }
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("Acquire after prior build failure: %v", err)
	}
}

func TestSlotNamingIsDeterministicPerIndex(t *testing.T) {
	p := New(3, "/var/lock", "vm0br0")
	slot := p.slotFor(2)
	if slot.Namespace != "vm0netns2" || slot.TapDevice != "vm0tap2" {
		t.Fatalf("unexpected slot naming: %+v", slot)
	}
}

func TestBootArgIPConfig(t *testing.T) {
	got := BootArgIPConfig()
	want := "ip=172.16.0.2::172.16.0.1:255.255.255.252:vm0-guest:eth0:off"
	if got != want {
		t.Fatalf("BootArgIPConfig() = %q, want %q", got, want)
	}
}
