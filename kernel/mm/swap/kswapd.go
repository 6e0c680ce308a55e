package swap

import (
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/pmm"
	"gopheros/kernel/mm/vmm"
)

// defaultPressureThreshold is the rss/total ratio above which kswapd starts
// offering frames for eviction. The source material is inconsistent about
// whether this is a float "swappiness" or an integer threshold; this
// implementation picks a float ratio and applies it uniformly.
const defaultPressureThreshold = 0.80

var pressureThreshold = defaultPressureThreshold

// SetPressureThreshold overrides the memory-pressure ratio kswapd scans
// against; tests use this to force (or suppress) eviction deterministically.
func SetPressureThreshold(t float64) {
	pressureThreshold = t
}

// memoryPressure reports the fraction of tracked frames currently resident.
func memoryPressure() float64 {
	total := pmm.FrameCount()
	if total == 0 {
		return 0
	}
	return float64(pmm.RSS()) / float64(total)
}

// kswapdBatchSize bounds how many frames one clock sweep considers before
// yielding, so a single pass never monopolizes the CPU.
const kswapdBatchSize = 64

var kswapdCursor uint32

// considerFrame applies the kswapd eviction test to a single frame (spec.md
// §4.9): skip anything not flagged swappable (kernel pages and frames not
// yet claimed by a user mapping never are); skip anything touched since the
// last sweep, clearing its accessed bit in the process; skip unless memory
// pressure is over threshold; otherwise offer it for eviction.
func considerFrame(f mm.Frame) {
	if !pmm.Swappable(f) {
		return
	}
	if vmm.ClearAccessed(source, f) {
		return
	}
	if memoryPressure() < pressureThreshold {
		return
	}
	if err := EnqueueOut(f, NonBlocking); err == nil {
		pmm.ClearSwappable(f)
	}
	// ErrQueueFull is a soft failure: this frame is simply reconsidered
	// on a later sweep.
}

// RunKswapd sweeps the frame table in clock order, kswapdBatchSize frames
// at a time, until Stop is called. It is installed as a KernelThread's
// entry point alongside RunOutService/RunInService.
func RunKswapd() {
	for isRunning() {
		total := pmm.FrameCount()
		if total == 0 {
			diskYieldFn()
			continue
		}
		for i := 0; i < kswapdBatchSize; i++ {
			considerFrame(mm.Frame(kswapdCursor))
			kswapdCursor = (kswapdCursor + 1) % total
		}
		diskYieldFn()
	}
}
