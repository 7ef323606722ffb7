package main

import (
	"hlsfetch/internal/models"
	"hlsfetch/internal/parse"
)

// collectParser is a passthrough fragmented-container collaborator for the
// probe: it consumes every supplied byte and surfaces it as one chunk. A
// real player would plug its fMP4 box parser in here.
type collectParser struct{}

func (collectParser) Parse(buf []byte, endOfSegment bool, state any) (parse.ParseResult, error) {
	res := parse.ParseResult{
		Consumed: len(buf),
		State:    state,
	}
	if len(buf) > 0 {
		res.Chunks = []models.OutputChunk{{Data: buf}}
	}
	return res, nil
}

// passMuxer is a passthrough transmuxer for the probe. It echoes pushed
// bytes back as output and reports video timing on every final push so the
// pipeline can complete.
type passMuxer struct{}

func (passMuxer) Push(buf []byte, partial bool, hints parse.TrackHints, cbs parse.PushCallbacks) {
	if len(buf) > 0 && cbs.OnData != nil {
		cbs.OnData(models.OutputChunk{Data: buf})
	}
	if !partial && cbs.OnDone != nil {
		cbs.OnDone(parse.Completion{HasVideoTiming: true})
	}
}
