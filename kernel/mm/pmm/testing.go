package pmm

import "gopheros/kernel/mm"

// ResetForTest discards the descriptor table and rebuilds it with
// frameCount descriptors, none on the free list and no flags set. Exported so other
// packages' tests (swap's kswapd scan, in particular) can build a frame
// table fixture without reaching into this package's internals.
func ResetForTest(frameCount uint32) {
	lock.Acquire(currentCPUFn())
	defer lock.Release()
	reset(frameCount)
}

// MarkFreeForTest pushes f onto the free list, as Init does for every frame
// a real memory map reports available.
func MarkFreeForTest(f mm.Frame) {
	lock.Acquire(currentCPUFn())
	defer lock.Release()
	pushFree(f)
}
