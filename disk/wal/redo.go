package wal

import (
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/pkg/errors"
)

var ErrRedoMismatch = errors.New("log record does not belong to the page")

// CanRedo reports why the record cannot be applied to the page, if it cannot. Page identity is checked for every
// record except format which establishes it.
func (l *LogRecord) CanRedo(p pages.Page) error {
	if !l.IsPageRecord() {
		return errors.Errorf("%v record cannot be redone on a page", l.T)
	}

	if l.T != TypeFormatPage && p.PageID() != l.PageID {
		return errors.Wrapf(ErrRedoMismatch, "record %v of page %v applied to page %v", l.Lsn, l.PageID, p.PageID())
	}

	switch l.T {
	case TypePageWrite:
		if int(l.Offset)+len(l.Payload) > pages.PayloadSize {
			return errors.Errorf("page write out of bounds: offset %v len %v", l.Offset, len(l.Payload))
		}
	case TypeSetChild:
		if slot := int(l.Slot); slot < 0 || slot > p.ChildCount() || slot >= pages.MaxChildren {
			return errors.Errorf("child slot %v out of range, child count %v", slot, p.ChildCount())
		}
	case TypeUpdateEMLSN:
		if slot := int(l.Slot); slot != pages.FosterSlot && (slot < 0 || slot >= p.ChildCount()) {
			return errors.Errorf("emlsn slot %v out of range, child count %v", slot, p.ChildCount())
		}
	}

	return nil
}

// Redo applies the record to the page image and advances the page lsn to the record's lsn.
func (l *LogRecord) Redo(p pages.Page) error {
	if err := l.CanRedo(p); err != nil {
		return err
	}

	switch l.T {
	case TypeFormatPage:
		p.Format(l.Vol, l.Store, l.PageID, l.Level)
	case TypePageWrite:
		copy(p.Payload()[l.Offset:], l.Payload)
	case TypeSetChild:
		slot := int(l.Slot)
		p.SetChild(slot, l.ChildPID)
		p.SetChildEMLSN(slot, l.EMLSN)
		if slot == p.ChildCount() {
			p.SetChildCount(slot + 1)
		}
	case TypeSetFoster:
		p.SetChild(pages.FosterSlot, l.ChildPID)
		p.SetChildEMLSN(pages.FosterSlot, l.EMLSN)
	case TypeUpdateEMLSN:
		p.SetChildEMLSN(int(l.Slot), l.EMLSN)
	}

	p.SetLSN(l.Lsn)
	return nil
}
