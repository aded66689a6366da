// Package netnspool is a crash-safe, cross-process index allocator over a
// capacity-N set of pre-built Linux network namespaces. Allocation is a
// scan over per-slot advisory locks rather than an in-memory free-list:
// the kernel releases a slot's flock automatically if the holding
// process dies, so a crashed runner never leaks a permanently-reserved
// slot the way an in-memory allocator would.
package netnspool

import (
	"fmt"

	"github.com/oriys/vm0-runner/internal/lockfile"
	"github.com/oriys/vm0-runner/internal/vmerr"
)

// Slot identifies one namespace and its guest-facing network
// parameters. Every slot presents identical guest-facing addresses to
// its VM; isolation comes from the namespace boundary, not from
// per-slot address variation.
type Slot struct {
	Index      int
	Namespace  string // vm0netns{index}
	VethHost   string // vm0vh{index}
	VethGuest  string // vm0vg{index}
	TapDevice  string // vm0tap{index}
	HostSubnet string // distinct per index, e.g. 172.17.{index}.0/30
}

// Guest-facing constants. Identical across every slot; only the
// host-side veth/TAP naming and subnet vary by index.
const (
	GuestMAC     = "02:00:00:00:00:02"
	GuestIP      = "172.16.0.2"
	GatewayIP    = "172.16.0.1"
	NetmaskCIDR  = 30
	GuestTapName = "vm0tap0" // not used by the pool; each slot's TAP is named Slot.TapDevice (vm0tap{index})
)

// BootArgIPConfig renders the kernel ip= boot argument fragment for a
// guest using these fixed addresses, per spec.md's
// "ip=GUEST::GATEWAY:NETMASK:vm0-guest:eth0:off" convention.
func BootArgIPConfig() string {
	return fmt.Sprintf("ip=%s::%s:255.255.255.252:vm0-guest:eth0:off", GuestIP, GatewayIP)
}

// Pool owns the lock directory and builder for a fixed capacity of
// namespace slots.
type Pool struct {
	capacity   int
	lockDir    string
	bridgeName string

	build    func(Slot) error
	teardown func(Slot)
}

// New returns a Pool managing capacity namespace slots, with locks
// rooted at lockDir (conventionally /var/lock) and all slots bridged to
// bridgeName in the host's default namespace. Any slot found free but
// still carrying TAP/veth devices from a prior crash is swept
// best-effort; failures are ignored since the next Acquire's build step
// is idempotent and will heal whatever the sweep missed.
func New(capacity int, lockDir, bridgeName string) *Pool {
	p := &Pool{capacity: capacity, lockDir: lockDir, bridgeName: bridgeName}
	p.build = p.platformBuild
	p.teardown = p.platformTeardown
	p.sweepOrphans()
	return p
}

func (p *Pool) sweepOrphans() {
	for i := 0; i < p.capacity; i++ {
		lock, err := lockfile.Open(p.lockPath(i))
		if err != nil {
			continue
		}
		if err := lock.TryLock(); err != nil {
			lock.Close()
			continue
		}
		p.teardown(p.slotFor(i))
		lock.Unlock()
		lock.Close()
	}
}

// Capacity returns the pool's configured slot count.
func (p *Pool) Capacity() int { return p.capacity }

// Reservation is a held netns slot; call Release to return it to the
// pool (teardown is best-effort and never fails the release).
type Reservation struct {
	Slot Slot
	lock *lockfile.Lock
	pool *Pool
}

// Acquire scans slots 0..capacity for the first whose lock is free,
// builds it if necessary (idempotent), and returns a Reservation. It
// reports ErrPoolExhausted if every slot is currently held.
func (p *Pool) Acquire() (*Reservation, error) {
	for i := 0; i < p.capacity; i++ {
		lock, err := lockfile.Open(p.lockPath(i))
		if err != nil {
			continue
		}
		if err := lock.TryLock(); err != nil {
			lock.Close()
			continue
		}

		slot := p.slotFor(i)
		if err := p.build(slot); err != nil {
			lock.Unlock()
			lock.Close()
			return nil, fmt.Errorf("build netns slot %d: %w", i, err)
		}
		return &Reservation{Slot: slot, lock: lock, pool: p}, nil
	}
	return nil, vmerr.ErrNoPoolIndexAvailable
}

// Release tears down the slot's dynamic state (best-effort; failures
// are never propagated, since the next Acquire's build step heals any
// divergence) and releases the lock.
func (r *Reservation) Release() {
	r.pool.teardown(r.Slot)
	r.lock.Unlock()
	r.lock.Close()
}

func (p *Pool) lockPath(index int) string {
	return fmt.Sprintf("%s/vm0-netns-%d.lock", p.lockDir, index)
}

func (p *Pool) slotFor(index int) Slot {
	return Slot{
		Index:      index,
		Namespace:  fmt.Sprintf("vm0netns%d", index),
		VethHost:   fmt.Sprintf("vm0vh%d", index),
		VethGuest:  fmt.Sprintf("vm0vg%d", index),
		TapDevice:  fmt.Sprintf("vm0tap%d", index),
		HostSubnet: fmt.Sprintf("172.17.%d.0/30", index),
	}
}

// ErrPoolExhausted is returned by Acquire when every slot is currently
// reserved.
var ErrPoolExhausted = vmerr.ErrNoPoolIndexAvailable
