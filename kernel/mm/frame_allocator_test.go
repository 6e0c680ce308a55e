package mm

import (
	"gopheros/kernel"
	"testing"
)

func TestFrameAllocator(t *testing.T) {
	defer SetFrameAllocator(nil)

	expFrame := Frame(123)
	SetFrameAllocator(func() (Frame, *kernel.Error) {
		return expFrame, nil
	})

	got, err := AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != expFrame {
		t.Errorf("expected frame %v; got %v", expFrame, got)
	}
}
