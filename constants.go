package xfsjournal

import "github.com/behrlich/xfsjournal/internal/constants"

// Re-export the fixed geometry and tunable default/clamp constants for
// the public API, so callers configuring a MountState don't need to
// import the internal package directly.
const (
	SectorSize      = constants.SectorSize
	BufLogChunkSize = constants.BufLogChunkSize

	NumIclogs       = constants.NumIclogs
	IclogSize       = constants.IclogSize
	IclogHeaderSize = constants.IclogHeaderSize

	DefaultFlushInterval = constants.DefaultFlushInterval
	MinFlushInterval     = constants.MinFlushInterval
	MaxFlushInterval     = constants.MaxFlushInterval

	DefaultAgeBuffer = constants.DefaultAgeBuffer
	MinAgeBuffer     = constants.MinAgeBuffer
	MaxAgeBuffer     = constants.MaxAgeBuffer
)
