package parse

import "hlsfetch/internal/models"

// ParseResult is what the fragmented-container parser returns for one call.
// Consumed may be less than the supplied buffer length when the tail is an
// incomplete box; the unconsumed bytes are re-supplied on the next call.
type ParseResult struct {
	Consumed int
	Chunks   []models.OutputChunk
	State    any
}

// FragmentParser is the fragmented-container (fMP4) collaborator. The state
// returned from one call is threaded into the next call for the same track.
type FragmentParser interface {
	Parse(buf []byte, endOfSegment bool, state any) (ParseResult, error)
}

// TrackInfo is the stream metadata a transmuxer reports at most once per
// track.
type TrackInfo struct {
	HasAudio   bool
	HasVideo   bool
	AudioCodec string
	VideoCodec string
}

// Completion is the transmuxer's per-push completion report. A completion
// with no timing information at all means the transmuxer is not actually
// done with the segment yet.
type Completion struct {
	HasAudioTiming bool
	HasVideoTiming bool
}

// Empty reports whether the completion carries no usable timing.
func (c Completion) Empty() bool {
	return !c.HasAudioTiming && !c.HasVideoTiming
}

// TrackHints carries optional alignment hints to the transmuxer.
type TrackHints struct {
	// Contiguous is true when the pushed bytes directly follow bytes the
	// transmuxer has already seen for this segment.
	Contiguous bool
}

// PushCallbacks receives the transmuxer's asynchronous output. OnData may
// fire zero or more times per push, OnTrackInfo at most once per track, and
// OnDone exactly once per final push.
type PushCallbacks struct {
	OnData      func(chunk models.OutputChunk)
	OnTrackInfo func(info TrackInfo)
	OnDone      func(c Completion)
}

// Transmuxer is the per-track repackaging collaborator. It is shared and
// mutated across consecutive segments of one track, so those segments must
// be pushed in playback order.
type Transmuxer interface {
	Push(buf []byte, partial bool, hints TrackHints, cbs PushCallbacks)
}
