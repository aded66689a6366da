//go:build !linux

package netnspool

import "fmt"

func (p *Pool) platformBuild(slot Slot) error {
	return fmt.Errorf("netnspool: network namespaces are only supported on linux")
}

func (p *Pool) platformTeardown(slot Slot) {}
