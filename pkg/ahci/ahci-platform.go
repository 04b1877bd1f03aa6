// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file defines the board services the driver depends on
package ahci

import (
	"time"
)

// Platform is the board adapter. It has to be usable before Init is called and
// every method must be deterministic.
type Platform interface {
	// Delay blocks for at least d.
	Delay(d time.Duration)
	// Now reads a monotonic clock, used for wait deadlines.
	Now() time.Time
	// AllocAligned returns size zeroed bytes of DMA addressable memory aligned to
	// align. The driver never gives the memory back.
	AllocAligned(size, align int) ([]byte, error)
	// SyncDcache makes CPU writes visible to the controller and DMA writes
	// visible to the CPU.
	SyncDcache()
	// VirtToPhys translates the start of b into the address the controller uses.
	VirtToPhys(b []byte) uint64
	// PhysToUncached maps a physical address to an uncached virtual address.
	PhysToUncached(pa uint64) uint64
}

const (
	POLL_INTERVAL = time.Millisecond

	RESET_STOP_TIMEOUT = 500 * time.Millisecond  // engine stop after ST is cleared
	SPIN_UP_TIMEOUT    = 1000 * time.Millisecond // PxCMD.SUD read back
	LINK_TIMEOUT       = 1000 * time.Millisecond // PxSSTS.DET 1 or 3
	PORT_READY_TIMEOUT = 200 * time.Millisecond  // PxTFD BSY/DRQ/ERR clear
	ENGINE_STOP_DELAY  = 500 * time.Millisecond
)

// pollUntil calls done every interval until it returns true or the budget
// measured on the platform clock runs out. A zero budget never expires.
func pollUntil(p Platform, budget, interval time.Duration, done func() bool) bool {
	deadline := p.Now().Add(budget)
	for {
		p.Delay(interval)
		if done() {
			return true
		}
		if budget > 0 && !p.Now().Before(deadline) {
			return false
		}
	}
}
