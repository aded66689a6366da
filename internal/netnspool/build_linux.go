//go:build linux

package netnspool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oriys/vm0-runner/internal/cmdrunner"
	"github.com/oriys/vm0-runner/internal/vmerr"
)

// platformBuild runs the idempotent per-slot setup script: namespace, veth
// pair, TAP device, IP forwarding and masquerade. No proxy DNAT rule is
// programmed; the pool is never given a proxy port. Every command
// tolerates "already exists" so a rebuild after a prior partial failure
// converges instead of erroring.
func (p *Pool) platformBuild(slot Slot) error {
	ctx := context.Background()

	if err := run(ctx, "ip", "netns", "add", slot.Namespace); err != nil {
		return fmt.Errorf("create namespace: %w", err)
	}

	if err := run(ctx, "ip", "link", "add", slot.VethHost, "type", "veth", "peer", "name", slot.VethGuest); err != nil {
		return fmt.Errorf("create veth pair: %w", err)
	}

	if err := run(ctx, "ip", "link", "set", slot.VethGuest, "netns", slot.Namespace); err != nil {
		return fmt.Errorf("move veth peer into namespace: %w", err)
	}

	if err := run(ctx, "ip", "link", "set", slot.VethHost, "up"); err != nil {
		return fmt.Errorf("bring up host veth end: %w", err)
	}

	if p.bridgeName != "" {
		if err := run(ctx, "ip", "link", "set", slot.VethHost, "master", p.bridgeName); err != nil {
			return fmt.Errorf("attach veth to bridge: %w", err)
		}
	}

	if err := runIn(ctx, slot.Namespace, "ip", "tuntap", "add", "dev", slot.TapDevice, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap device: %w", err)
	}

	if err := runIn(ctx, slot.Namespace, "ip", "addr", "add", fmt.Sprintf("%s/%d", GatewayIP, NetmaskCIDR), "dev", slot.TapDevice); err != nil {
		return fmt.Errorf("assign tap address: %w", err)
	}

	if err := runIn(ctx, slot.Namespace, "ip", "link", "set", slot.TapDevice, "up"); err != nil {
		return fmt.Errorf("bring up tap device: %w", err)
	}

	if err := runIn(ctx, slot.Namespace, "ip", "link", "set", "lo", "up"); err != nil {
		return fmt.Errorf("bring up loopback: %w", err)
	}

	defaultIface, err := defaultInterface(ctx)
	if err != nil {
		return err
	}

	if err := run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}

	if err := run(ctx, "iptables", "-t", "nat", "-C", "POSTROUTING", "-s", slot.HostSubnet, "-o", defaultIface, "-j", "MASQUERADE"); err != nil {
		if err := run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-s", slot.HostSubnet, "-o", defaultIface, "-j", "MASQUERADE"); err != nil {
			return fmt.Errorf("program masquerade rule: %w", err)
		}
	}

	return nil
}

// teardown is best-effort: every failure is swallowed because the next
// build() call heals any state it left behind.
func (p *Pool) platformTeardown(slot Slot) {
	ctx := context.Background()
	_ = run(ctx, "ip", "netns", "del", slot.Namespace)
	_ = run(ctx, "ip", "link", "del", slot.VethHost)
}

// run and runIn shell out via sudo: namespace, link, and iptables
// mutation all require privileges the runner process itself does not
// hold, per spec §6's non-root operating model.
func run(ctx context.Context, name string, args ...string) error {
	return runTolerantSudo(ctx, okExists, name, args...)
}

func runIn(ctx context.Context, namespace, name string, args ...string) error {
	full := append([]string{"netns", "exec", namespace, name}, args...)
	return runTolerantSudo(ctx, okExists, "ip", full...)
}

func runTolerantSudo(ctx context.Context, okExit func(string) bool, name string, args ...string) error {
	_, err := cmdrunner.RunSudo(ctx, name, args...)
	if err == nil {
		return nil
	}
	var cmdErr *vmerr.CommandError
	if errors.As(err, &cmdErr) && okExit != nil && okExit(cmdErr.Stderr) {
		return nil
	}
	return err
}

func okExists(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "exists") || strings.Contains(s, "file exists")
}

// defaultInterface finds the interface carrying the default route in the
// root namespace, used as the NAT masquerade target. Reading the route
// table does not require privileges, so this runs unprivileged.
func defaultInterface(ctx context.Context) (string, error) {
	res, err := cmdrunner.Run(ctx, "ip", "route", "show", "default")
	if err != nil {
		return "", fmt.Errorf("query default route: %w", err)
	}
	fields := strings.Fields(res.Stdout)
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", vmerr.ErrNoDefaultInterface
}
