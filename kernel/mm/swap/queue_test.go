package swap

import (
	"gopheros/kernel/mm"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferEnqueueDequeue(t *testing.T) {
	resetQueuesForTest()

	require.Nil(t, EnqueueOut(mockFrame(1), NonBlocking))
	require.Nil(t, EnqueueOut(mockFrame(2), NonBlocking))

	f, ok := outQueue.dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 1, f)

	f, ok = outQueue.dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 2, f)

	_, ok = outQueue.dequeue()
	assert.False(t, ok)
}

func TestRingBufferNonBlockingFull(t *testing.T) {
	resetQueuesForTest()

	for i := 0; i < queueCapacity; i++ {
		require.Nil(t, EnqueueOut(mockFrame(i), NonBlocking))
	}

	err := EnqueueOut(mockFrame(99), NonBlocking)
	assert.Equal(t, ErrQueueFull, err)
}

func TestRingBufferBlockingWaitsForRoom(t *testing.T) {
	resetQueuesForTest()

	origYield := diskYieldFn
	defer func() { diskYieldFn = origYield }()

	for i := 0; i < queueCapacity; i++ {
		require.Nil(t, EnqueueOut(mockFrame(i), NonBlocking))
	}

	yielded := false
	diskYieldFn = func() {
		if !yielded {
			yielded = true
			_, ok := outQueue.dequeue()
			require.True(t, ok)
		}
	}

	require.Nil(t, EnqueueOut(mockFrame(100), Blocking))
	assert.True(t, yielded)
}

func TestEnqueueIn(t *testing.T) {
	resetQueuesForTest()

	require.Nil(t, EnqueueIn(7, 0x2000, NonBlocking))

	task, ok := inQueue.dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 7, task.envIndex)
	assert.EqualValues(t, 0x2000, task.vaddr)
}

func mockFrame(n int) mm.Frame {
	return mm.Frame(n)
}
