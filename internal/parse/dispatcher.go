package parse

import (
	"fmt"

	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
)

// DataFunc receives decoded output chunks for a segment, in the order they
// were produced.
type DataFunc func(seg *models.Segment, chunk models.OutputChunk)

// Dispatcher routes a segment's bytes to exactly one of two collaborators:
// the fragmented-container parser when the segment carries an init-segment
// sub-record, the per-track transmuxer otherwise. The route is picked on
// the first dispatch for a segment and never switched.
type Dispatcher struct {
	logger    logger.Logger
	fragment  FragmentParser
	transmux  Transmuxer
	trackInfo *TrackInfo
}

// New creates a dispatcher for one media track. Either collaborator may be
// nil when the caller knows only one kind of segment will flow through.
func New(log logger.Logger, fragment FragmentParser, transmux Transmuxer) *Dispatcher {
	return &Dispatcher{
		logger:   log,
		fragment: fragment,
		transmux: transmux,
	}
}

// Dispatch forwards data to the segment's parsing collaborator and returns
// how many of the supplied bytes were consumed. Unconsumed bytes stay with
// the caller, which re-supplies them once more data (or the final flag)
// arrives. onDone is only ever invoked for a final dispatch, and may be
// skipped entirely when the transmuxer reports an empty completion.
func (d *Dispatcher) Dispatch(seg *models.Segment, data []byte, final bool, onData DataFunc, onDone func()) (int, error) {
	if seg.ParseRoute == models.RouteUnset {
		if seg.Map != nil {
			seg.ParseRoute = models.RouteFragmented
		} else {
			seg.ParseRoute = models.RouteTransmux
		}
	}

	switch seg.ParseRoute {
	case models.RouteFragmented:
		return d.dispatchFragmented(seg, data, final, onData, onDone)
	case models.RouteTransmux:
		return d.dispatchTransmux(seg, data, final, onData, onDone)
	default:
		return 0, fmt.Errorf("segment %s has unknown parse route %d", seg.URI, seg.ParseRoute)
	}
}

func (d *Dispatcher) dispatchFragmented(seg *models.Segment, data []byte, final bool, onData DataFunc, onDone func()) (int, error) {
	if d.fragment == nil {
		return 0, fmt.Errorf("no fragmented-container parser configured for segment %s", seg.URI)
	}

	res, err := d.fragment.Parse(data, final, seg.ParserState)
	if err != nil {
		return 0, fmt.Errorf("fragmented-container parse failed for segment %s: %w", seg.URI, err)
	}
	seg.ParserState = res.State

	for _, chunk := range res.Chunks {
		if onData != nil {
			onData(seg, chunk)
		}
	}
	if res.Consumed < len(data) {
		d.logger.Debugf("Parser consumed %d of %d bytes for segment %s; tail buffered", res.Consumed, len(data), seg.URI)
	}
	if final && onDone != nil {
		onDone()
	}
	return res.Consumed, nil
}

func (d *Dispatcher) dispatchTransmux(seg *models.Segment, data []byte, final bool, onData DataFunc, onDone func()) (int, error) {
	if d.transmux == nil {
		return 0, fmt.Errorf("no transmuxer configured for segment %s", seg.URI)
	}

	hints := TrackHints{Contiguous: seg.Cursor > 0}
	d.transmux.Push(data, !final, hints, PushCallbacks{
		OnData: func(chunk models.OutputChunk) {
			if onData != nil {
				onData(seg, chunk)
			}
		},
		OnTrackInfo: func(info TrackInfo) {
			if d.trackInfo == nil {
				d.trackInfo = &info
				d.logger.Infof("Track info for %s: audio=%v video=%v", seg.URI, info.HasAudio, info.HasVideo)
			}
		},
		OnDone: func(c Completion) {
			if !final {
				return
			}
			if c.Empty() {
				// No timing info yet: the segment is not actually done.
				d.logger.Debugf("Ignoring empty transmuxer completion for segment %s", seg.URI)
				return
			}
			if onDone != nil {
				onDone()
			}
		},
	})

	// The transmuxer always swallows everything it is given.
	return len(data), nil
}
