package models

import "time"

// ByteRange restricts a request to a sub-range of the resource.
// Offset is the first byte, Length the number of bytes (> 0).
type ByteRange struct {
	Offset int64
	Length int64
}

// Key is the decryption key sub-record of a segment. Bytes and Words are
// populated once the key response has been validated; IV is supplied by the
// caller (derived from the media sequence number when the playlist carries
// no explicit IV).
type Key struct {
	URI   string
	Range *ByteRange
	// Bytes is the raw 16-byte key. It is released (set to nil) the moment
	// the key is handed to the decryption worker.
	Bytes []byte
	// Words is the key reinterpreted as four big-endian 32-bit words.
	Words [4]uint32
	IV    [16]byte
}

// InitSegment is the initialization-segment sub-record of a segment. Bytes
// holds the fetched init segment verbatim; it is consumed by the container
// parser as out-of-band context, never parsed here.
type InitSegment struct {
	URI   string
	Range *ByteRange
	Bytes []byte
}

// Stats carries the transport statistics accumulated for one segment.
type Stats struct {
	// BandwidthEstimate is in bits per second.
	BandwidthEstimate float64
	BytesReceived     int64
	RoundTripTime     time.Duration
	FirstByteAt       time.Time
	CompletedAt       time.Time
}

// Route identifies which parsing collaborator a segment's bytes are sent to.
// It is decided on the first dispatch and never switched mid-segment.
type Route int

const (
	RouteUnset Route = iota
	// RouteFragmented sends bytes to the fragmented-container parser.
	RouteFragmented
	// RouteTransmux sends bytes to the per-track transmuxer.
	RouteTransmux
)

// Segment is the mutable descriptor for one unit of fetch-decrypt-parse
// work. The caller creates one per requested segment and owns it again once
// the terminal callback has fired; in between, every pipeline stage mutates
// it in place.
type Segment struct {
	// URI is the resolved transport URI of the media segment.
	URI   string
	Range *ByteRange

	// Key is set when the segment is encrypted. A segment with a key must
	// not be treated as decrypted until the decryption round-trip completes.
	Key *Key
	// Map is the init-segment sub-record, set for fragmented containers.
	Map *InitSegment

	// ParserState is the fragmented-container parser state carried across
	// segments of the same track. Opaque to the pipeline.
	ParserState any

	// Cursor counts how many bytes of the segment's byte stream have been
	// consumed by the parser. It only ever advances.
	Cursor int64

	ParseRoute Route
	Stats      Stats

	// Encrypted holds the fetched media bytes when a key is present; Raw
	// holds the final plaintext bytes otherwise. Exactly one of the two is
	// populated after the media request completes.
	Encrypted []byte
	Raw       []byte
}

// OutputChunk is one piece of decoded output produced by a parsing
// collaborator, with its presentation-time window.
type OutputChunk struct {
	Data  []byte
	Start time.Duration
	End   time.Duration
}
