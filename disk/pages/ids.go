package pages

import "fmt"

type (
	// PageID is the id of a page inside its volume. 0 is never a valid page id since page 0 of every volume is the
	// volume header.
	PageID uint32

	VolumeID uint16

	// StoreID identifies an index inside a volume. Every store has exactly one root page.
	StoreID uint32
)

// SwizzledBit marks a child slot value that holds a frame index instead of a page id. Page ids never use this bit.
const SwizzledBit PageID = 1 << 31

// MaxPageID is the largest page id a volume can hold.
const MaxPageID = SwizzledBit - 1

func (p PageID) IsSwizzled() bool {
	return p&SwizzledBit != 0
}

// FrameIdx returns the frame index a swizzled pointer refers to.
func (p PageID) FrameIdx() uint32 {
	return uint32(p &^ SwizzledBit)
}

// SwizzledPointer converts a frame index to a child slot value.
func SwizzledPointer(frameIdx uint32) PageID {
	return PageID(frameIdx) | SwizzledBit
}

func (p PageID) String() string {
	if p.IsSwizzled() {
		return fmt.Sprintf("frame#%d", p.FrameIdx())
	}
	return fmt.Sprintf("%d", uint32(p))
}
