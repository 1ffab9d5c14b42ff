//go:build linux

package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocateTier attempts to mmap a single contiguous backing region of
// capacity*stride bytes using the page size implied by tier. Hugepage tiers
// use MAP_HUGETLB (with the size-selector bits for 1G/2M); the 4K tier is a
// plain anonymous mapping. node is advisory only: Go's mmap wrapper has no
// NUMA-bind knob, so node does not change the syscall made here.
func allocateTier(tier PageTier, node, capacity, stride int) ([]byte, error) {
	size := capacity * stride
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	switch tier {
	case TierHugepage1G:
		flags |= unix.MAP_HUGETLB | mapHugeShift(30)
	case TierHugepage2M:
		flags |= unix.MAP_HUGETLB | mapHugeShift(21)
	case Tier4K:
		// no extra flags
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("buffer: mmap %s tier (%d bytes): %w", tier, size, err)
	}
	return mem, nil
}

// mapHugeShift encodes the MAP_HUGE_* size-selector bits, computed rather
// than referenced from unix since only MAP_HUGETLB itself is guaranteed to
// exist across the supported unix package versions.
func mapHugeShift(log2 int) int {
	const mapHugeShiftPos = 26
	return log2 << mapHugeShiftPos
}
