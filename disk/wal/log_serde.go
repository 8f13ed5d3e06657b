package wal

import (
	"encoding/binary"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

var ErrCorruptLog = errors.New("corrupt log record")

type LogRecordSerDe interface {
	Serialize(lr *LogRecord) []byte
	Deserialize(d []byte, lr *LogRecord) error
}

// BinarySerDe encodes every field as uvarint and compresses the result with snappy.
type BinarySerDe struct{}

var _ LogRecordSerDe = &BinarySerDe{}

func NewBinarySerDe() *BinarySerDe {
	return &BinarySerDe{}
}

func (b *BinarySerDe) Serialize(lr *LogRecord) []byte {
	res := make([]byte, 0, 64+len(lr.Payload))
	res = append(res, byte(lr.T))
	res = binary.AppendUvarint(res, uint64(lr.Lsn))
	res = binary.AppendUvarint(res, uint64(lr.Vol))
	res = binary.AppendUvarint(res, uint64(lr.Store))
	res = binary.AppendUvarint(res, uint64(lr.PageID))
	res = binary.AppendUvarint(res, uint64(lr.PrevPageLsn))
	res = binary.AppendUvarint(res, uint64(lr.Level))
	res = binary.AppendVarint(res, int64(lr.Slot))
	res = binary.AppendUvarint(res, uint64(lr.ChildPID))
	res = binary.AppendUvarint(res, uint64(lr.EMLSN))
	res = binary.AppendUvarint(res, uint64(lr.Offset))

	res = binary.AppendUvarint(res, uint64(len(lr.Payload)))
	res = append(res, lr.Payload...)

	return snappy.Encode(nil, res)
}

func (b *BinarySerDe) Deserialize(d []byte, lr *LogRecord) error {
	data, err := snappy.Decode(nil, d)
	if err != nil || len(data) == 0 {
		return ErrCorruptLog
	}

	offset := 1
	var bad bool
	uvarint := func() uint64 {
		if bad {
			return 0
		}
		res, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			bad = true
			return 0
		}
		offset += n

		return res
	}

	lr.T = LogRecordType(data[0])
	lr.Lsn = pages.LSN(uvarint())
	lr.Vol = pages.VolumeID(uvarint())
	lr.Store = pages.StoreID(uvarint())
	lr.PageID = pages.PageID(uvarint())
	lr.PrevPageLsn = pages.LSN(uvarint())
	lr.Level = uint16(uvarint())

	if !bad {
		slot, n := binary.Varint(data[offset:])
		if n <= 0 {
			return ErrCorruptLog
		}
		offset += n
		lr.Slot = int32(slot)
	}

	lr.ChildPID = pages.PageID(uvarint())
	lr.EMLSN = pages.LSN(uvarint())
	lr.Offset = uint16(uvarint())

	payloadLen := uvarint()
	if bad || uint64(len(data)-offset) < payloadLen {
		return ErrCorruptLog
	}
	lr.Payload = data[offset : offset+int(payloadLen)]

	return nil
}

func NewDefaultSerDe() *BinarySerDe {
	return &BinarySerDe{}
}
