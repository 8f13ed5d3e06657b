package pages

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

/*
	Page layout, all integers are little endian:

	0   checksum      uint64   xxhash of bytes [8, PageSize)
	8   page id       uint32
	12  store         uint32
	16  page lsn      uint64   accessed atomically
	24  volume        uint16
	26  level         uint16   0: not a tree page, 1: leaf, >1: interior
	28  child count   uint16
	30  flags         uint16
	32  foster pid    uint32   accessed atomically, never swizzled
	36  reserved      uint32
	40  foster emlsn  uint64   accessed atomically
	48  child slots   MaxChildren * (pid uint32, reserved uint32, emlsn uint64)
	... payload

	Child slot words and the lsn word are read and written with sync/atomic since swizzling and emlsn updates happen
	under a shared latch while other readers hold the same latch.
*/

const (
	PageSize = 4096

	MaxChildren = 64

	// FosterSlot addresses the foster child pointer wherever a child slot is expected.
	FosterSlot = -1

	offChecksum    = 0
	offPageID      = 8
	offStore       = 12
	offLSN         = 16
	offVolume      = 24
	offLevel       = 26
	offChildCount  = 28
	offFlags       = 30
	offFosterPID   = 32
	offFosterEMLSN = 40
	offSlots       = 48
	slotSize       = 16

	HeaderSize    = offSlots
	PayloadOffset = offSlots + MaxChildren*slotSize
	PayloadSize   = PageSize - PayloadOffset
)

var hostLittleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Page is a view over a page sized byte slice. It is either a frame of the buffer pool or a standalone copy.
type Page []byte

func NewPage() Page {
	return make(Page, PageSize)
}

// Format zeroes the page and writes a fresh header.
func (p Page) Format(vol VolumeID, store StoreID, pid PageID, level uint16) {
	clear(p)
	binary.LittleEndian.PutUint32(p[offPageID:], uint32(pid))
	binary.LittleEndian.PutUint32(p[offStore:], uint32(store))
	binary.LittleEndian.PutUint16(p[offVolume:], uint16(vol))
	binary.LittleEndian.PutUint16(p[offLevel:], level)
}

func (p Page) PageID() PageID {
	return PageID(binary.LittleEndian.Uint32(p[offPageID:]))
}

func (p Page) SetPageID(pid PageID) {
	binary.LittleEndian.PutUint32(p[offPageID:], uint32(pid))
}

func (p Page) Store() StoreID {
	return StoreID(binary.LittleEndian.Uint32(p[offStore:]))
}

func (p Page) Volume() VolumeID {
	return VolumeID(binary.LittleEndian.Uint16(p[offVolume:]))
}

func (p Page) Level() uint16 {
	return binary.LittleEndian.Uint16(p[offLevel:])
}

// IsInterior reports whether the page is a tree page with child pointers.
func (p Page) IsInterior() bool {
	return p.Level() > 1
}

func (p Page) Flags() uint16 {
	return binary.LittleEndian.Uint16(p[offFlags:])
}

func (p Page) SetFlags(f uint16) {
	binary.LittleEndian.PutUint16(p[offFlags:], f)
}

func (p Page) LSN() LSN {
	return LSN(p.load64(offLSN))
}

func (p Page) SetLSN(lsn LSN) {
	p.store64(offLSN, uint64(lsn))
}

func (p Page) ChildCount() int {
	return int(binary.LittleEndian.Uint16(p[offChildCount:]))
}

func (p Page) SetChildCount(n int) {
	if n < 0 || n > MaxChildren {
		panic("child count out of range")
	}
	binary.LittleEndian.PutUint16(p[offChildCount:], uint16(n))
}

// Child returns the raw value of a child slot. The value may be a swizzled pointer.
func (p Page) Child(slot int) PageID {
	return PageID(p.load32(pidOffset(slot)))
}

func (p Page) SetChild(slot int, pid PageID) {
	p.store32(pidOffset(slot), uint32(pid))
}

// CompareAndSwapChild atomically replaces the slot value if it still equals old.
func (p Page) CompareAndSwapChild(slot int, old, new PageID) bool {
	ptr := (*uint32)(unsafe.Pointer(&p[pidOffset(slot)]))
	return atomic.CompareAndSwapUint32(ptr, toHost32(uint32(old)), toHost32(uint32(new)))
}

func (p Page) ChildEMLSN(slot int) LSN {
	return LSN(p.load64(emlsnOffset(slot)))
}

func (p Page) SetChildEMLSN(slot int, lsn LSN) {
	p.store64(emlsnOffset(slot), uint64(lsn))
}

func (p Page) Foster() PageID {
	return p.Child(FosterSlot)
}

func (p Page) FosterEMLSN() LSN {
	return p.ChildEMLSN(FosterSlot)
}

// FindChild returns the slot that points to pid, or to the frame idx when the child is swizzled. The foster slot is
// checked last.
func (p Page) FindChild(pid PageID, frameIdx uint32) (int, bool) {
	swizzled := SwizzledPointer(frameIdx)
	for i := 0; i < p.ChildCount(); i++ {
		c := p.Child(i)
		if c == pid || (frameIdx != 0 && c == swizzled) {
			return i, true
		}
	}

	if pid != 0 && p.Foster() == pid {
		return FosterSlot, true
	}
	return 0, false
}

// HasSwizzledChild reports whether any child slot currently holds a frame index.
func (p Page) HasSwizzledChild() bool {
	for i := 0; i < p.ChildCount(); i++ {
		if p.Child(i).IsSwizzled() {
			return true
		}
	}
	return false
}

func (p Page) Payload() []byte {
	return p[PayloadOffset:]
}

func (p Page) Checksum() uint64 {
	return binary.LittleEndian.Uint64(p[offChecksum:])
}

func (p Page) CalculateChecksum() uint64 {
	return xxhash.Sum64(p[offPageID:])
}

func (p Page) UpdateChecksum() {
	binary.LittleEndian.PutUint64(p[offChecksum:], p.CalculateChecksum())
}

// VerifyChecksum reports whether stored checksum matches the content. An all zero page never verifies.
func (p Page) VerifyChecksum() bool {
	return p.Checksum() == p.CalculateChecksum()
}

// CopyTo copies the page into dst reading the words that are updated under a shared latch atomically.
func (p Page) CopyTo(dst Page) {
	copy(dst[:offLSN], p[:offLSN])
	dst.store64(offLSN, p.load64(offLSN))
	copy(dst[offVolume:offFosterPID], p[offVolume:offFosterPID])
	dst.store32(offFosterPID, p.load32(offFosterPID))
	copy(dst[offFosterPID+4:offFosterEMLSN], p[offFosterPID+4:offFosterEMLSN])
	dst.store64(offFosterEMLSN, p.load64(offFosterEMLSN))
	for i := 0; i < MaxChildren; i++ {
		dst.store32(pidOffset(i), p.load32(pidOffset(i)))
		copy(dst[pidOffset(i)+4:emlsnOffset(i)], p[pidOffset(i)+4:emlsnOffset(i)])
		dst.store64(emlsnOffset(i), p.load64(emlsnOffset(i)))
	}
	copy(dst[PayloadOffset:], p[PayloadOffset:])
}

func pidOffset(slot int) int {
	if slot == FosterSlot {
		return offFosterPID
	}
	if slot < 0 || slot >= MaxChildren {
		panic("child slot out of range")
	}
	return offSlots + slot*slotSize
}

func emlsnOffset(slot int) int {
	if slot == FosterSlot {
		return offFosterEMLSN
	}
	return pidOffset(slot) + 8
}

func toHost32(v uint32) uint32 {
	if hostLittleEndian {
		return v
	}
	return bits.ReverseBytes32(v)
}

func toHost64(v uint64) uint64 {
	if hostLittleEndian {
		return v
	}
	return bits.ReverseBytes64(v)
}

func (p Page) load32(off int) uint32 {
	return toHost32(atomic.LoadUint32((*uint32)(unsafe.Pointer(&p[off]))))
}

func (p Page) store32(off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&p[off])), toHost32(v))
}

func (p Page) load64(off int) uint64 {
	return toHost64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&p[off]))))
}

func (p Page) store64(off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&p[off])), toHost64(v))
}
