// Package swap implements the disk-backed page swapper (spec.md §4.9): a
// reference-counted swap-slot descriptor array, bounded swap-out/swap-in
// queues serviced by two cooperating loops, and the kswapd clock scanner
// that decides what to evict.
package swap

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
)

// SectorSize is the native sector size of the backing IDE disk (spec.md §6).
const SectorSize = 512

// SectorsPerPage is the number of contiguous sectors one 4 KiB page spans.
const SectorsPerPage = 4096 / SectorSize

// Device is the minimal sector-addressable backing store the swapper needs.
// The production implementation is ataDisk (primary-master ATA-PIO); tests
// substitute an in-memory fake.
type Device interface {
	// NumSectors reports the disk's total addressable sector count.
	NumSectors() uint32
	// ReadSector reads one SectorSize-byte sector into dst.
	ReadSector(lba uint32, dst []byte) *kernel.Error
	// WriteSector writes one SectorSize-byte sector from src.
	WriteSector(lba uint32, src []byte) *kernel.Error
}

// ATA-PIO primary bus I/O ports and command-register bits (standard IDE
// register layout; spec.md §6 "an IDE (ATA-PIO) disk").
const (
	ataIOBase    = 0x1F0
	ataData      = ataIOBase + 0
	ataError     = ataIOBase + 1
	ataSectorCnt = ataIOBase + 2
	ataLBALow    = ataIOBase + 3
	ataLBAMid    = ataIOBase + 4
	ataLBAHigh   = ataIOBase + 5
	ataDriveHead = ataIOBase + 6
	ataStatus    = ataIOBase + 7
	ataCommand   = ataIOBase + 7

	ataCmdReadSectors  = 0x20
	ataCmdWriteSectors = 0x30

	ataStatusBSY = 1 << 7
	ataStatusDRQ = 1 << 3
	ataStatusERR = 1 << 0
)

var errDiskFault = &kernel.Error{Module: "swap", Message: "swap device I/O failure"}

// ataDisk drives the primary IDE controller in PIO mode, master drive,
// 28-bit LBA addressing. It never touches the secondary bus or slave drive:
// a teaching kernel's swap store doesn't need either.
type ataDisk struct {
	numSectors uint32
}

// NewATADisk probes the primary-master drive's identify block for its
// sector count and returns a Device backed by it.
func NewATADisk() (Device, *kernel.Error) {
	n, err := identifySectorCount()
	if err != nil {
		return nil, err
	}
	return &ataDisk{numSectors: n}, nil
}

func (d *ataDisk) NumSectors() uint32 { return d.numSectors }

func (d *ataDisk) ReadSector(lba uint32, dst []byte) *kernel.Error {
	if len(dst) < SectorSize {
		return errDiskFault
	}
	if err := selectAndWaitReady(lba); err != nil {
		return err
	}
	outbFn(ataCommand, ataCmdReadSectors)
	if err := pollDRQ(); err != nil {
		return err
	}
	for i := 0; i < SectorSize; i += 2 {
		w := inwFn(ataData)
		dst[i] = byte(w)
		dst[i+1] = byte(w >> 8)
	}
	return nil
}

func (d *ataDisk) WriteSector(lba uint32, src []byte) *kernel.Error {
	if len(src) < SectorSize {
		return errDiskFault
	}
	if err := selectAndWaitReady(lba); err != nil {
		return err
	}
	outbFn(ataCommand, ataCmdWriteSectors)
	if err := pollDRQ(); err != nil {
		return err
	}
	for i := 0; i < SectorSize; i += 2 {
		w := uint16(src[i]) | uint16(src[i+1])<<8
		outwFn(ataData, w)
	}
	return nil
}

func selectAndWaitReady(lba uint32) *kernel.Error {
	outbFn(ataDriveHead, 0xE0|byte((lba>>24)&0x0F))
	outbFn(ataSectorCnt, 1)
	outbFn(ataLBALow, byte(lba))
	outbFn(ataLBAMid, byte(lba>>8))
	outbFn(ataLBAHigh, byte(lba>>16))
	return waitNotBusy()
}

func waitNotBusy() *kernel.Error {
	for spin := 0; spin < maxPollAttempts; spin++ {
		status := inbFn(ataStatus)
		if status&ataStatusBSY == 0 {
			if status&ataStatusERR != 0 {
				return errDiskFault
			}
			return nil
		}
		diskYieldFn()
	}
	return errDiskFault
}

func pollDRQ() *kernel.Error {
	for spin := 0; spin < maxPollAttempts; spin++ {
		status := inbFn(ataStatus)
		if status&ataStatusERR != 0 {
			return errDiskFault
		}
		if status&ataStatusDRQ != 0 {
			return nil
		}
		diskYieldFn()
	}
	return errDiskFault
}

func identifySectorCount() (uint32, *kernel.Error) {
	outbFn(ataDriveHead, 0xE0)
	outbFn(ataSectorCnt, 0)
	outbFn(ataLBALow, 0)
	outbFn(ataLBAMid, 0)
	outbFn(ataLBAHigh, 0)
	outbFn(ataCommand, 0xEC) // IDENTIFY DEVICE
	if inbFn(ataStatus) == 0 {
		return 0, errDiskFault
	}
	if err := pollDRQ(); err != nil {
		return 0, err
	}
	var identify [256]uint16
	for i := range identify {
		identify[i] = inwFn(ataData)
	}
	// Words 60-61 hold the 28-bit LBA total sector count.
	return uint32(identify[60]) | uint32(identify[61])<<16, nil
}

// maxPollAttempts bounds the busy-wait loops querying the status register;
// exceeding it without device ready is treated as a disk fault rather than
// spinning forever.
const maxPollAttempts = 1_000_000

var (
	outbFn = cpu.Outb
	inbFn  = cpu.Inb
	outwFn = cpu.Outw
	inwFn  = cpu.Inw

	// diskYieldFn is replaced through SetYieldFunc with the scheduler's yield so a
	// kernel thread blocked on disk readiness gives up its CPU instead of
	// spinning (spec.md §4.9 "yielding the scheduler between sectors").
	diskYieldFn = func() {}
)

// SetYieldFunc installs the function called between polling attempts while
// waiting for the disk to become ready, mirroring sync.SetYieldFunc's role
// for lock contention.
func SetYieldFunc(fn func()) {
	diskYieldFn = fn
}
