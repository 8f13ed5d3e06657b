package recovery

import (
	"log"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/pkg/errors"
)

var (
	ErrBrokenChain  = errors.New("page log chain does not start with a format record")
	ErrNoPageRecord = errors.New("no log record of the page at or before emlsn")
)

// Recoverer performs single page recovery. It brings one page up to date by replaying that page's log records,
// which are linked to each other through LogRecord.PrevPageLsn.
type Recoverer struct {
	logs   wal.LogReader
	logger *log.Logger
}

func NewRecoverer(logs wal.LogReader, logger *log.Logger) *Recoverer {
	if logger == nil {
		logger = log.Default()
	}
	return &Recoverer{logs: logs, logger: logger}
}

// RecoverSinglePage replays every record of page pid on p up to and including emlsn. When actual is true emlsn must
// be lsn of a record of the page, otherwise it is an upper bound and the last record of the page before it is
// searched backwards. If p does not hold a valid image of pid it is rebuilt from the first record of the chain.
// Recovery is idempotent: the same image and emlsn always produce the same page.
func (r *Recoverer) RecoverSinglePage(p pages.Page, vol pages.VolumeID, pid pages.PageID, emlsn pages.LSN, actual bool) error {
	valid := p.VerifyChecksum() && p.PageID() == pid && p.Volume() == vol
	if valid && p.LSN() >= emlsn {
		return nil
	}

	last, err := r.lastRecordOf(vol, pid, emlsn, actual)
	if err != nil {
		return err
	}
	if last == nil {
		if valid {
			return nil
		}
		return errors.Wrapf(ErrNoPageRecord, "page %v emlsn %v", pid, emlsn)
	}

	// walk back the chain until the page image already contains the record
	var chain []*wal.LogRecord
	for lr := last; ; {
		if valid && lr.Lsn <= p.LSN() {
			break
		}
		chain = append(chain, lr)
		if lr.PrevPageLsn == 0 {
			break
		}

		prev, err := r.logs.Fetch(lr.PrevPageLsn)
		if err != nil {
			return errors.Wrapf(err, "following chain of page %v", pid)
		}
		lr = prev
	}

	if !valid {
		if first := chain[len(chain)-1]; first.T != wal.TypeFormatPage {
			return errors.Wrapf(ErrBrokenChain, "page %v first record %v is %v", pid, first.Lsn, first.T)
		}
		clear(p)
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i].Redo(p); err != nil {
			return errors.Wrapf(err, "redo lsn %v on page %v", chain[i].Lsn, pid)
		}
	}

	r.logger.Printf("recovery: page %v recovered to lsn %v replaying %v records", pid, p.LSN(), len(chain))
	return nil
}

func (r *Recoverer) lastRecordOf(vol pages.VolumeID, pid pages.PageID, emlsn pages.LSN, actual bool) (*wal.LogRecord, error) {
	if actual {
		lr, err := r.logs.Fetch(emlsn)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching emlsn of page %v", pid)
		}
		if !lr.IsPageRecord() || lr.PageID != pid || lr.Vol != vol {
			return nil, errors.Wrapf(wal.ErrRedoMismatch, "emlsn %v is not a record of page %v", emlsn, pid)
		}
		return lr, nil
	}

	if curr := r.logs.CurrLSN(); emlsn > curr {
		emlsn = curr
	}
	for lsn := emlsn; lsn > 0; lsn-- {
		lr, err := r.logs.Fetch(lsn)
		if err != nil {
			return nil, err
		}
		if lr.IsPageRecord() && lr.PageID == pid && lr.Vol == vol {
			return lr, nil
		}
	}
	return nil, nil
}
