package swap

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/pmm"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	sectors uint32
}

func (d fakeDevice) NumSectors() uint32                                  { return d.sectors }
func (fakeDevice) ReadSector(uint32, []byte) *kernel.Error  { return nil }
func (fakeDevice) WriteSector(uint32, []byte) *kernel.Error { return nil }

func resetSwapForTest(slots uint32) {
	pmm.ResetForTest(8)
	resetQueuesForTest()
	source = fakeSource{}
	initDescriptors(fakeDevice{sectors: slots * SectorsPerPage})
}

func TestSwapOutRejectsUnreferencedFrame(t *testing.T) {
	resetSwapForTest(2)
	f := mm.Frame(3)

	err := SwapOut(f)
	assert.Equal(t, errNoRef, err)
}

func TestSwapOutRejectsUnswappableFrame(t *testing.T) {
	resetSwapForTest(2)
	f := mm.Frame(3)
	pmm.IncRef(f)

	err := SwapOut(f)
	assert.Equal(t, errUnswappable, err)
}

func TestSwapOutRejectsWhenDeviceFull(t *testing.T) {
	resetSwapForTest(0)
	f := mm.Frame(3)
	pmm.IncRef(f)
	pmm.MarkSwappable(f)

	err := SwapOut(f)
	assert.Equal(t, errNoFreeSwap, err)
}

func TestSwapInIgnoresVanishedEnvironment(t *testing.T) {
	resetSwapForTest(2)
	source = fakeSource{} // PDTAt always reports not-live

	err := SwapIn(swapInTask{envIndex: 1, vaddr: 0x1000})
	assert.Nil(t, err, "a vanished environment is not an error, just a no-op")
}

func TestSlotRefCountRoundTrip(t *testing.T) {
	resetSwapForTest(2)

	descLock.Acquire(0)
	incRefSlot(0)
	incRefSlot(0)
	descLock.Release()

	require.EqualValues(t, 2, SlotRefCount(0))

	descLock.Acquire(0)
	err := decRefSlot(0)
	descLock.Release()
	require.Nil(t, err)
	assert.EqualValues(t, 1, SlotRefCount(0))
}
