package wire

import (
	"encoding/binary"
	"fmt"
)

// BufferLogFormatHeaderSize is the fixed portion of a BufferLogFormat,
// not counting the variable-length data bitmap that follows it.
const BufferLogFormatHeaderSize = 20

// BufferLogFormat is the header written ahead of a buffer log item's
// dirty regions (§4.F, grounded on xfs_buf_log_format_t). DataMap is a
// bitmap with one bit per BufLogChunkSize-byte chunk of the buffer.
type BufferLogFormat struct {
	Type    uint16
	Blkno   int64
	Flags   uint16
	Len     uint16
	DataMap []byte
}

// Encode serializes f, including its variable-length data bitmap.
func (f BufferLogFormat) Encode() []byte {
	b := make([]byte, BufferLogFormatHeaderSize+len(f.DataMap))
	binary.LittleEndian.PutUint16(b[0:2], f.Type)
	binary.LittleEndian.PutUint64(b[2:10], uint64(f.Blkno))
	binary.LittleEndian.PutUint16(b[10:12], f.Flags)
	binary.LittleEndian.PutUint16(b[12:14], f.Len)
	binary.LittleEndian.PutUint32(b[16:20], uint32(len(f.DataMap)))
	copy(b[BufferLogFormatHeaderSize:], f.DataMap)
	return b
}

// DecodeBufferLogFormat parses b, which must contain at least the
// fixed header plus its declared bitmap length.
func DecodeBufferLogFormat(b []byte) (BufferLogFormat, error) {
	if len(b) < BufferLogFormatHeaderSize {
		return BufferLogFormat{}, errShort("buffer log format header", len(b))
	}
	mapLen := int(binary.LittleEndian.Uint32(b[16:20]))
	if len(b) < BufferLogFormatHeaderSize+mapLen {
		return BufferLogFormat{}, errShort("buffer log format data map", len(b))
	}
	f := BufferLogFormat{
		Type:  binary.LittleEndian.Uint16(b[0:2]),
		Blkno: int64(binary.LittleEndian.Uint64(b[2:10])),
		Flags: binary.LittleEndian.Uint16(b[10:12]),
		Len:   binary.LittleEndian.Uint16(b[12:14]),
	}
	f.DataMap = append([]byte(nil), b[BufferLogFormatHeaderSize:BufferLogFormatHeaderSize+mapLen]...)
	return f, nil
}

// InodeLogFormatSize is the fixed on-disk size of InodeLogFormat.
const InodeLogFormatSize = 22

// FieldMask selects which parts of an inode are present in an inode
// log item's format (§4.F supplemented feature, grounded on the
// XFS_ILOG_* field mask bits).
type FieldMask uint32

const (
	ILogCore FieldMask = 1 << iota
	ILogDData
	ILogUUID
	ILogExt
	ILogBroot
	ILogDev
	ILogAExt
	ILogABroot
)

// InodeLogFormat is the header written ahead of an inode log item's
// dirty fields (§4.F supplemented feature). Type leads the struct, like
// BufferLogFormat.Type, so recovery can tell the two formats apart
// without guessing from size.
type InodeLogFormat struct {
	Type      uint16
	Ino       uint64
	Fields    FieldMask
	Size      uint32
	DataBytes uint32
}

// Encode serializes f.
func (f InodeLogFormat) Encode() []byte {
	b := make([]byte, InodeLogFormatSize)
	binary.LittleEndian.PutUint16(b[0:2], f.Type)
	binary.LittleEndian.PutUint64(b[2:10], f.Ino)
	binary.LittleEndian.PutUint32(b[10:14], uint32(f.Fields))
	binary.LittleEndian.PutUint32(b[14:18], f.Size)
	binary.LittleEndian.PutUint32(b[18:22], f.DataBytes)
	return b
}

// DecodeInodeLogFormat parses b, which must be at least
// InodeLogFormatSize bytes.
func DecodeInodeLogFormat(b []byte) (InodeLogFormat, error) {
	if len(b) < InodeLogFormatSize {
		return InodeLogFormat{}, errShort("inode log format", len(b))
	}
	return InodeLogFormat{
		Type:      binary.LittleEndian.Uint16(b[0:2]),
		Ino:       binary.LittleEndian.Uint64(b[2:10]),
		Fields:    FieldMask(binary.LittleEndian.Uint32(b[10:14])),
		Size:      binary.LittleEndian.Uint32(b[14:18]),
		DataBytes: binary.LittleEndian.Uint32(b[18:22]),
	}, nil
}

func errShort(what string, n int) error {
	return fmt.Errorf("wire: %s: short buffer, got %d bytes", what, n)
}
