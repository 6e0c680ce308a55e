package irq

import (
	"bytes"
	"gopheros/kernel/kfmt"
	"testing"
)

func TestRegsPrint(t *testing.T) {
	var buf bytes.Buffer
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&buf)

	regs := Regs{EAX: 1, EBX: 2, ECX: 3, EDX: 4, ESI: 5, EDI: 6, EBP: 7, ESP: 8}
	regs.Print()

	exp := "EAX = 00000001 EBX = 00000002\nECX = 00000003 EDX = 00000004\nESI = 00000005 EDI = 00000006\nEBP = 00000007 ESP = 00000008\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestFramePrint(t *testing.T) {
	var buf bytes.Buffer
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&buf)

	frame := Frame{EIP: 1, CS: 2, EFlags: 3}
	frame.Print()

	exp := "EIP = 00000001 CS  = 00000002\nEFL = 00000003\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestFramePrintUserMode(t *testing.T) {
	var buf bytes.Buffer
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&buf)

	frame := Frame{EIP: 1, CS: 0x1b, EFlags: 3, ESP: 4, SS: 0x23}
	if !frame.UserMode() {
		t.Fatal("expected UserMode() to return true for a ring-3 CS selector")
	}
	frame.Print()

	exp := "EIP = 00000001 CS  = 0000001b\nEFL = 00000003\nESP = 00000004 SS  = 00000023\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
