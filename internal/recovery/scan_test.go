package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/xfsjournal/internal/constants"
	"github.com/behrlich/xfsjournal/internal/iodevice"
	"github.com/behrlich/xfsjournal/internal/wire"
)

func TestFindHeadPivotNeverWritten(t *testing.T) {
	require.EqualValues(t, 0, findHeadPivot([]uint32{0, 0, 0, 0}))
}

func TestFindHeadPivotFirstPassNotYetWrapped(t *testing.T) {
	require.EqualValues(t, 3, findHeadPivot([]uint32{1, 1, 1, 0, 0, 0, 0}))
}

func TestFindHeadPivotFilledExactlyOnFirstPass(t *testing.T) {
	require.EqualValues(t, 6, findHeadPivot([]uint32{1, 1, 1, 1, 1, 1}))
}

// When the ring has wrapped, the front carries the newer cycle and
// the still-unoverwritten tail carries the older one; the transition
// between them is the head, even though no block in the ring reads as
// zero (§4.J "already-wrapped").
func TestFindHeadPivotAlreadyWrapped(t *testing.T) {
	require.EqualValues(t, 3, findHeadPivot([]uint32{2, 2, 2, 1, 1, 1}))
}

// confirmHead corrects a cycle-scan candidate that overshot into
// garbage left by a torn write: the nearest valid record header found
// scanning backward declares a shorter reach than the candidate, and
// that header's own extent is the real head (§4.J "backward
// confirmation").
func TestConfirmHeadCorrectsTornWriteOvershoot(t *testing.T) {
	dev := iodevice.NewMemory(64*constants.SectorSize, constants.SectorSize)
	cfg := Config{Device: dev, StartBlock: 0, NumBlocks: 64}
	ctx := context.Background()

	last := wire.RecordHeader{MagicNo: constants.LogRecMagic, Version: constants.LogRecVersion, Cycle: 1, Len: constants.SectorSize}
	require.NoError(t, syncWrite(ctx, dev, 1*constants.SectorSize, padTo(last.Encode(), constants.IclogHeaderSize)))

	// The cycle-stamp scan reported a candidate one sector past where
	// this record's header says its payload actually ends.
	head, err := confirmHead(ctx, cfg, 4)
	require.NoError(t, err)
	require.EqualValues(t, 3, head)
}

// When the last valid record's declared extent exactly reaches the
// candidate, confirmHead leaves it unchanged.
func TestConfirmHeadAcceptsExactMatch(t *testing.T) {
	dev := iodevice.NewMemory(64*constants.SectorSize, constants.SectorSize)
	cfg := Config{Device: dev, StartBlock: 0, NumBlocks: 64}
	ctx := context.Background()

	last := wire.RecordHeader{MagicNo: constants.LogRecMagic, Version: constants.LogRecVersion, Cycle: 1, Len: constants.SectorSize}
	require.NoError(t, syncWrite(ctx, dev, 1*constants.SectorSize, padTo(last.Encode(), constants.IclogHeaderSize)))

	head, err := confirmHead(ctx, cfg, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, head)
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}
