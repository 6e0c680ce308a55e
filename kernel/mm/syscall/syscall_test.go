package syscall

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/env"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrOrOK(t *testing.T) {
	assert.EqualValues(t, 0, errOrOK(nil))
	assert.EqualValues(t, -1, errOrOK(&kernel.Error{Module: "x", Message: "y"}))
}

func TestDispatchUnknownSyscall(t *testing.T) {
	env.ResetTableForTest()
	caller := env.AtIndex(0)

	got := Dispatch(caller, Args{Num: Num(999)})
	assert.EqualValues(t, -1, got)
}

func TestDispatchGetEnvID(t *testing.T) {
	env.ResetTableForTest()
	caller := env.AtIndex(0)

	got := Dispatch(caller, Args{Num: SysGetEnvID})
	assert.EqualValues(t, caller.ID(), got)
}

func TestCheckUserBufferZeroSizeAlwaysOK(t *testing.T) {
	assert.Nil(t, checkUserBuffer(nil, 0x1000, 0, true))
}

func TestCheckUserBufferRejectsOutsideUserRange(t *testing.T) {
	assert.Equal(t, errBadPointer, checkUserBuffer(nil, mm.UTOP, mm.PageSize, false))
	assert.Equal(t, errBadPointer, checkUserBuffer(nil, mm.UTOP-mm.PageSize, 2*mm.PageSize, false))
}

func TestCheckUserBufferRejectsOverflow(t *testing.T) {
	assert.Equal(t, errBadPointer, checkUserBuffer(nil, ^uintptr(0)-10, 100, false))
}

func TestSysVMACreateRejectsZeroLength(t *testing.T) {
	got := sysVMACreate(nil, 0, 0, 0)
	assert.EqualValues(t, -1, got)
}

func TestConsoleDefaultsToDiscard(t *testing.T) {
	SetConsole(nil)
	writeConsole([]byte("hello")) // must not panic

	b, ok := activeConsole.ReadByte()
	assert.False(t, ok)
	assert.Zero(t, b)
}

type fakeConsole struct {
	written []byte
	in      []byte
}

func (c *fakeConsole) WriteString(s string) { c.written = append(c.written, s...) }
func (c *fakeConsole) ReadByte() (byte, bool) {
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

func TestSysCgetcDrainsConsole(t *testing.T) {
	fc := &fakeConsole{in: []byte("a")}
	SetConsole(fc)
	defer SetConsole(nil)

	got := sysCgetc(nil)
	assert.EqualValues(t, 'a', got)

	got = sysCgetc(nil)
	assert.EqualValues(t, -1, got, "no more buffered input")
}

func TestWriteConsoleForwardsBytes(t *testing.T) {
	fc := &fakeConsole{}
	SetConsole(fc)
	defer SetConsole(nil)

	writeConsole([]byte("hi"))
	assert.Equal(t, "hi", string(fc.written))
}

func TestUintptrOfEmptySlice(t *testing.T) {
	assert.Zero(t, uintptrOf(nil))
}

func TestOwnsSelf(t *testing.T) {
	env.ResetTableForTest()
	caller := env.AtIndex(0)
	assert.True(t, owns(caller, caller))
}
