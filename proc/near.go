// Copyright (C) 2022 K2 Cyber Security Inc.

package proc

// reach keeps allocations inside rel32 range of the address they serve
const reach = 0x7fffff00

// searchNear probes page-aligned candidates alternating above and below
// target, nearest first, until try accepts one or the rel32 window is
// exhausted.
func searchNear(target, pageSize, lowest, highest uintptr, try func(candidate uintptr) (uintptr, bool)) (uintptr, bool) {
	start := target &^ (pageSize - 1)
	minAddr := lowest
	if start > reach && start-reach > minAddr {
		minAddr = start - reach
	}
	maxAddr := highest
	if start+reach > start && start+reach < maxAddr {
		maxAddr = start + reach
	}

	for offset := pageSize; ; offset += pageSize {
		high := start + offset
		var low uintptr
		if start > offset {
			low = start - offset
		}
		exhausted := (high > maxAddr || high < start) && low < minAddr

		if high < maxAddr && high > start {
			if got, ok := try(high); ok {
				return got, true
			}
		}
		if low > minAddr {
			if got, ok := try(low); ok {
				return got, true
			}
		}
		if exhausted {
			return 0, false
		}
	}
}

// within reports whether addr can be reached from target with rel32.
func within(target, addr uintptr) bool {
	d := int64(addr) - int64(target)
	return d > -reach && d < reach
}
