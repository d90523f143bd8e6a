// Package wire defines the on-disk/on-wire formats written into the
// log: the record header and per-operation header (§4.G, grounded on
// xlog_rec_header_t/xlog_op_header_t), the transaction header
// (§4.H), and the buffer/inode log item format headers (§4.F). All
// encoding is manual, fixed-width little-endian packing via
// encoding/binary, in the style of the teacher's internal/uapi
// marshal helpers, since these are wire formats rather than Go-side
// configuration structs.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/behrlich/xfsjournal/internal/constants"
)

// RecordHeaderSize is the on-disk size of RecordHeader, padded to
// constants.IclogHeaderSize the way xlog_rec_header_t is embedded in a
// fixed 512-byte sector (§4.G).
const RecordHeaderSize = 64

// RecordHeader is the in-core/on-disk log record header (§4.G,
// grounded on xlog_rec_header_t).
type RecordHeader struct {
	MagicNo    uint32
	Cycle      uint32
	Version    int32
	LSN        int64
	TailLSN    int64
	Len        int32
	Checksum   uint32
	PrevBlock  int32
	NumLogOps  int32
}

// Encode serializes h into a RecordHeaderSize-byte buffer.
func (h RecordHeader) Encode() []byte {
	b := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.MagicNo)
	binary.LittleEndian.PutUint32(b[4:8], h.Cycle)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Version))
	binary.LittleEndian.PutUint64(b[12:20], uint64(h.LSN))
	binary.LittleEndian.PutUint64(b[20:28], uint64(h.TailLSN))
	binary.LittleEndian.PutUint32(b[28:32], uint32(h.Len))
	binary.LittleEndian.PutUint32(b[32:36], h.Checksum)
	binary.LittleEndian.PutUint32(b[36:40], uint32(h.PrevBlock))
	binary.LittleEndian.PutUint32(b[40:44], uint32(h.NumLogOps))
	return b
}

// DecodeRecordHeader parses b, which must be at least RecordHeaderSize
// bytes, and validates the magic number and version.
func DecodeRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < RecordHeaderSize {
		return RecordHeader{}, fmt.Errorf("wire: short record header: %d bytes", len(b))
	}
	h := RecordHeader{
		MagicNo:   binary.LittleEndian.Uint32(b[0:4]),
		Cycle:     binary.LittleEndian.Uint32(b[4:8]),
		Version:   int32(binary.LittleEndian.Uint32(b[8:12])),
		LSN:       int64(binary.LittleEndian.Uint64(b[12:20])),
		TailLSN:   int64(binary.LittleEndian.Uint64(b[20:28])),
		Len:       int32(binary.LittleEndian.Uint32(b[28:32])),
		Checksum:  binary.LittleEndian.Uint32(b[32:36]),
		PrevBlock: int32(binary.LittleEndian.Uint32(b[36:40])),
		NumLogOps: int32(binary.LittleEndian.Uint32(b[40:44])),
	}
	if h.MagicNo != constants.LogRecMagic {
		return RecordHeader{}, fmt.Errorf("wire: bad record magic %#x", h.MagicNo)
	}
	if h.Version != constants.LogRecVersion {
		return RecordHeader{}, fmt.Errorf("wire: unsupported record version %d", h.Version)
	}
	return h, nil
}

// OpFlag is the per-operation-header transaction-boundary flag set
// (§4.G, grounded on XLOG_START_TRANS etc.).
type OpFlag uint8

const (
	OpStart OpFlag = 1 << iota
	OpCommit
	OpContinue
	OpWasContinue
	OpEnd
	// OpUnmount marks the single-op record WriteUnmountRecord writes
	// after the last commit, so recovery recognizes a clean tail and
	// stops replay there instead of treating it as an empty transaction
	// (§4.G unmount record).
	OpUnmount
)

// OpHeaderSize is the on-disk size of OpHeader.
const OpHeaderSize = 16

// OpHeader precedes every logged region within a record (§4.G,
// grounded on xlog_op_header_t).
type OpHeader struct {
	TID      uint32
	Len      int32
	ClientID uint8
	Flags    OpFlag
}

// Encode serializes h into an OpHeaderSize-byte buffer.
func (h OpHeader) Encode() []byte {
	b := make([]byte, OpHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.TID)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Len))
	b[8] = h.ClientID
	b[9] = byte(h.Flags)
	return b
}

// DecodeOpHeader parses b, which must be at least OpHeaderSize bytes.
func DecodeOpHeader(b []byte) (OpHeader, error) {
	if len(b) < OpHeaderSize {
		return OpHeader{}, fmt.Errorf("wire: short op header: %d bytes", len(b))
	}
	return OpHeader{
		TID:      binary.LittleEndian.Uint32(b[0:4]),
		Len:      int32(binary.LittleEndian.Uint32(b[4:8])),
		ClientID: b[8],
		Flags:    OpFlag(b[9]),
	}, nil
}

// TransactionHeaderSize is the on-disk size of TransactionHeader.
const TransactionHeaderSize = 16

// TransactionHeader leads a transaction's first logged region (§4.H).
type TransactionHeader struct {
	Magic   uint32
	Type    uint32
	NumItems int32
}

// Encode serializes h into a TransactionHeaderSize-byte buffer.
func (h TransactionHeader) Encode() []byte {
	b := make([]byte, TransactionHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Type)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.NumItems))
	return b
}

// DecodeTransactionHeader parses b, which must be at least
// TransactionHeaderSize bytes, and validates the magic number.
func DecodeTransactionHeader(b []byte) (TransactionHeader, error) {
	if len(b) < TransactionHeaderSize {
		return TransactionHeader{}, fmt.Errorf("wire: short transaction header: %d bytes", len(b))
	}
	h := TransactionHeader{
		Magic:    binary.LittleEndian.Uint32(b[0:4]),
		Type:     binary.LittleEndian.Uint32(b[4:8]),
		NumItems: int32(binary.LittleEndian.Uint32(b[8:12])),
	}
	if h.Magic != constants.TransactionHeaderMagic {
		return TransactionHeader{}, fmt.Errorf("wire: bad transaction magic %#x", h.Magic)
	}
	return h, nil
}
