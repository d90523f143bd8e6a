package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestRecordHeaderRoundTrip(t *testing.T) {
	h := RecordHeader{
		MagicNo:   0xFEEDBABE,
		Cycle:     3,
		Version:   2,
		LSN:       1<<32 | 7,
		TailLSN:   1<<32 | 5,
		Len:       4096,
		Checksum:  0xDEADBEEF,
		PrevBlock: 128,
		NumLogOps: 6,
	}
	got, err := DecodeRecordHeader(h.Encode())
	require.NoError(t, err)
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordHeaderRejectsBadMagic(t *testing.T) {
	h := RecordHeader{MagicNo: 0x1}
	_, err := DecodeRecordHeader(h.Encode())
	require.Error(t, err)
}

func TestOpHeaderRoundTrip(t *testing.T) {
	h := OpHeader{TID: 42, Len: 256, ClientID: 1, Flags: OpStart | OpCommit}
	got, err := DecodeOpHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestTransactionHeaderRoundTrip(t *testing.T) {
	h := TransactionHeader{Magic: 0x5452414E, Type: 1, NumItems: 3}
	got, err := DecodeTransactionHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestBufferLogFormatRoundTrip(t *testing.T) {
	f := BufferLogFormat{
		Type:    1,
		Blkno:   1234,
		Flags:   2,
		Len:     512,
		DataMap: []byte{0xFF, 0x01, 0x00, 0x80},
	}
	got, err := DecodeBufferLogFormat(f.Encode())
	require.NoError(t, err)
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInodeLogFormatRoundTrip(t *testing.T) {
	f := InodeLogFormat{Ino: 99, Fields: ILogCore | ILogDData, Size: 256, DataBytes: 128}
	got, err := DecodeInodeLogFormat(f.Encode())
	require.NoError(t, err)
	require.Equal(t, f, got)
}
