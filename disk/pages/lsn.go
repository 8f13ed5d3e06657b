package pages

import "encoding/binary"

type LSN uint64

const ZeroLSN LSN = 0

func PutLSN(dest []byte, r LSN) {
	binary.LittleEndian.PutUint64(dest, uint64(r))
}

func ReadLSN(src []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(src))
}

// MaxLSN returns the greater of two lsns.
func MaxLSN(a, b LSN) LSN {
	if a > b {
		return a
	}
	return b
}
