package wal

import (
	"github.com/caetanosauer/zero-sub005/disk/pages"
)

type LogRecordType uint8

const (
	TypeInvalid LogRecordType = iota

	// TypeFormatPage initializes a page. It is the first record of every page's chain.
	TypeFormatPage

	// TypePageWrite overwrites a range of the page payload.
	TypePageWrite

	// TypeSetChild sets a child slot and its emlsn. Setting the slot right after the last one grows the child count.
	TypeSetChild

	// TypeSetFoster sets foster child pointer of the page.
	TypeSetFoster

	// TypeUpdateEMLSN is written by the eviction walker when a child leaves the buffer pool with a newer lsn than the
	// emlsn its parent knows.
	TypeUpdateEMLSN

	// TypeCheckpoint ends a checkpoint and carries the dirty page table of the buffer pool. It is not a page record.
	TypeCheckpoint

	// TypeCheckpointBegin is appended before the dirty page table of a checkpoint is collected. Log analysis starts
	// from it.
	TypeCheckpointBegin
)

func (t LogRecordType) String() string {
	switch t {
	case TypeFormatPage:
		return "format_page"
	case TypePageWrite:
		return "page_write"
	case TypeSetChild:
		return "set_child"
	case TypeSetFoster:
		return "set_foster"
	case TypeUpdateEMLSN:
		return "update_emlsn"
	case TypeCheckpoint:
		return "checkpoint"
	case TypeCheckpointBegin:
		return "checkpoint_begin"
	default:
		return "invalid"
	}
}

type LogRecord struct {
	T   LogRecordType
	Lsn pages.LSN

	// page identity, set for page records
	Vol    pages.VolumeID
	Store  pages.StoreID
	PageID pages.PageID

	// PrevPageLsn is lsn of the previous record of the same page. Following it from the last record of a page walks
	// the page's whole history backwards, which is what single page recovery does.
	PrevPageLsn pages.LSN

	// for format page
	Level uint16

	// for set child, set foster and update emlsn. Slot is pages.FosterSlot for the foster pointer.
	Slot     int32
	ChildPID pages.PageID
	EMLSN    pages.LSN

	// for page write
	Offset  uint16
	Payload []byte
}

// IsPageRecord reports whether the record belongs to a page chain.
func (l *LogRecord) IsPageRecord() bool {
	return l.T >= TypeFormatPage && l.T <= TypeUpdateEMLSN
}

func NewFormatPageLogRecord(level uint16) *LogRecord {
	return &LogRecord{T: TypeFormatPage, Level: level}
}

func NewPageWriteLogRecord(offset uint16, payload []byte) *LogRecord {
	return &LogRecord{T: TypePageWrite, Offset: offset, Payload: payload}
}

func NewSetChildLogRecord(slot int, child pages.PageID, emlsn pages.LSN) *LogRecord {
	return &LogRecord{T: TypeSetChild, Slot: int32(slot), ChildPID: child, EMLSN: emlsn}
}

func NewSetFosterLogRecord(child pages.PageID, emlsn pages.LSN) *LogRecord {
	return &LogRecord{T: TypeSetFoster, Slot: pages.FosterSlot, ChildPID: child, EMLSN: emlsn}
}

func NewUpdateEMLSNLogRecord(slot int, child pages.PageID, emlsn pages.LSN) *LogRecord {
	return &LogRecord{T: TypeUpdateEMLSN, Slot: int32(slot), ChildPID: child, EMLSN: emlsn}
}

func NewCheckpointBeginLogRecord() *LogRecord {
	return &LogRecord{T: TypeCheckpointBegin}
}

func NewCheckpointLogRecord(payload []byte) *LogRecord {
	return &LogRecord{T: TypeCheckpoint, Payload: payload}
}
