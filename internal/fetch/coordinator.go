// Package fetch coordinates the 1–3 concurrent requests a media segment
// needs (key, init segment, media), aggregates their outcomes, and drives
// the decrypt and parse stages once all of them have finished.
package fetch

import (
	"sync"

	"hlsfetch/internal/decrypt"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/parse"
	"hlsfetch/internal/transport"
)

// Callbacks are the caller-supplied observers for one segment invocation.
// OnProgress is purely observational; OnData fires once per decoded output
// chunk; OnDone fires exactly once, with a nil error on success.
type Callbacks struct {
	OnProgress func(ev transport.ProgressEvent, seg *models.Segment)
	OnData     parse.DataFunc
	OnDone     func(err *Error, seg *models.Segment)
}

// Coordinator runs segment invocations against a parse dispatcher. One
// coordinator serves all segments of a track; per-invocation state lives on
// the invocation, never on the coordinator.
type Coordinator struct {
	logger     logger.Logger
	dispatcher *parse.Dispatcher
}

// NewCoordinator creates a coordinator over the given dispatcher.
func NewCoordinator(log logger.Logger, dispatcher *parse.Dispatcher) *Coordinator {
	return &Coordinator{
		logger:     log,
		dispatcher: dispatcher,
	}
}

type requestKind int

const (
	requestKey requestKind = iota
	requestInit
	requestMedia
)

// invocation tracks one RequestSegment call: the in-flight request set, the
// completion count, and the accumulated errors. All fields are guarded by
// mu; callbacks into caller code run with mu released.
type invocation struct {
	co  *Coordinator
	dec *decrypt.Client
	seg *models.Segment
	cbs Callbacks

	mu       sync.Mutex
	total    int
	finished int
	errs     []*Error
	handles  []transport.Handle
	terminal bool
}

// RequestSegment issues, in order, a key request (when the segment carries
// a key record), an init-segment request (when the map record has no cached
// bytes), and the media request itself. Any failure cancels the sibling
// requests; once all requests reach a terminal state exactly one of the
// error, decrypt-then-parse, or parse paths runs. The returned function
// aborts every in-flight request for this segment and is idempotent.
func (c *Coordinator) RequestSegment(t transport.Transport, base transport.Options, dec *decrypt.Client, seg *models.Segment, cbs Callbacks) func() {
	inv := &invocation{
		co:  c,
		dec: dec,
		seg: seg,
		cbs: cbs,
	}

	type planned struct {
		kind requestKind
		opts transport.Options
	}
	var requests []planned

	if seg.Key != nil {
		opts := transport.Options{
			URI:          seg.Key.URI,
			ResponseType: transport.ResponseTypeArrayBuffer,
		}
		if seg.Key.Range != nil {
			opts.Headers = map[string]string{"Range": transport.RangeHeader(seg.Key.Range)}
		}
		requests = append(requests, planned{requestKey, opts})
	}
	if seg.Map != nil && len(seg.Map.Bytes) == 0 {
		opts := transport.Options{
			URI:          seg.Map.URI,
			ResponseType: transport.ResponseTypeArrayBuffer,
		}
		if seg.Map.Range != nil {
			opts.Headers = map[string]string{"Range": transport.RangeHeader(seg.Map.Range)}
		}
		requests = append(requests, planned{requestInit, opts})
	}
	mediaOpts := transport.Options{
		URI:          seg.URI,
		ResponseType: transport.ResponseTypeArrayBuffer,
		OnProgress:   inv.onMediaProgress,
	}
	if seg.Range != nil {
		mediaOpts.Headers = map[string]string{"Range": transport.RangeHeader(seg.Range)}
	}
	requests = append(requests, planned{requestMedia, mediaOpts})

	c.logger.Debugf("Requesting segment %s with %d request(s)", seg.URI, len(requests))

	inv.mu.Lock()
	inv.total = len(requests)
	for _, p := range requests {
		kind := p.kind
		uri := p.opts.URI
		merged := transport.Merge(base, p.opts)
		if kind != requestMedia {
			// Only the media request reports progress.
			merged.OnProgress = nil
		}
		h := t.Issue(merged, func(err error, resp *transport.Response) {
			inv.requestDone(kind, uri, err, resp)
		})
		inv.handles = append(inv.handles, h)
	}
	inv.mu.Unlock()

	return inv.abort
}

// requestDone is the single completion funnel for all of one segment's
// requests. It classifies the outcome, lets the matching response handler
// mutate the descriptor, and fires the terminal path once the last request
// has finished.
func (inv *invocation) requestDone(kind requestKind, uri string, err error, resp *transport.Response) {
	inv.mu.Lock()
	if inv.terminal {
		inv.mu.Unlock()
		return
	}

	ferr := Classify(uri, err, resp)
	if ferr == nil {
		switch kind {
		case requestKey:
			ferr = applyKeyResponse(inv.seg, resp)
		case requestInit:
			ferr = applyInitResponse(inv.seg, resp)
		case requestMedia:
			ferr = applyMediaResponse(inv.seg, resp)
		}
	}
	if ferr != nil {
		inv.co.logger.Warnf("Request for %s failed: %v", uri, ferr)
		inv.errs = append(inv.errs, ferr)
		inv.cancelAllLocked()
	}

	inv.finished++
	var action func()
	if inv.finished == inv.total {
		action = inv.finishLocked()
	}
	inv.mu.Unlock()

	if action != nil {
		action()
	}
}

// finishLocked picks the single terminal path for the invocation. Called
// with mu held; the returned action runs with mu released so that parser
// and decryption callbacks can re-enter the invocation.
func (inv *invocation) finishLocked() func() {
	// The in-flight request set is dead from here on.
	inv.handles = nil

	if len(inv.errs) > 0 {
		top := MostSevere(inv.errs)
		inv.terminal = true
		return func() {
			inv.co.logger.Warnf("Segment %s failed: %v (%d error(s) accumulated)", inv.seg.URI, top, len(inv.errs))
			if inv.cbs.OnDone != nil {
				inv.cbs.OnDone(top, inv.seg)
			}
		}
	}
	if inv.seg.Encrypted != nil {
		return inv.startDecrypt
	}
	return inv.dispatchFinal
}

func (inv *invocation) startDecrypt() {
	id := inv.dec.Decrypt(inv.seg, func(plain []byte) {
		inv.mu.Lock()
		inv.seg.Raw = plain
		inv.mu.Unlock()
		inv.dispatchFinal()
	})
	inv.co.logger.Debugf("Segment %s awaiting decryption (correlation id %s)", inv.seg.URI, id)
}

// dispatchFinal hands the complete buffer to the parse dispatcher. For the
// transmuxer route the done signal arrives through the dispatcher's
// completion callback and may be withheld on an empty completion.
func (inv *invocation) dispatchFinal() {
	seg := inv.seg
	consumed, err := inv.co.dispatcher.Dispatch(seg, seg.Raw, true, inv.cbs.OnData, inv.complete)

	inv.mu.Lock()
	seg.Cursor += int64(consumed)
	inv.mu.Unlock()

	if err != nil {
		inv.fail(&Error{
			Code:    CodeFailure,
			Message: err.Error(),
			URI:     seg.URI,
		})
	}
}

// onMediaProgress handles one progress notification of the media request.
// Partial parsing only happens for keyless segments whose init segment (if
// any) is already complete; everything else waits for the final buffer.
// Events are strictly ordered: the transport delivers them one at a time
// and the cursor advances before the next event is examined.
func (inv *invocation) onMediaProgress(ev transport.ProgressEvent) {
	inv.mu.Lock()
	seg := inv.seg
	if inv.terminal || len(inv.errs) > 0 {
		inv.mu.Unlock()
		return
	}

	if seg.Stats.FirstByteAt.IsZero() {
		seg.Stats.FirstByteAt = ev.At
	}
	seg.Stats.BytesReceived = ev.BytesLoaded

	canParse := seg.Key == nil && (seg.Map == nil || len(seg.Map.Bytes) > 0)
	if canParse && int64(len(ev.Data)) > seg.Cursor {
		delta := ev.Data[seg.Cursor:]
		consumed, err := inv.co.dispatcher.Dispatch(seg, delta, false, inv.cbs.OnData, nil)
		if err != nil {
			inv.co.logger.Warnf("Partial parse failed for segment %s: %v", seg.URI, err)
			inv.errs = append(inv.errs, &Error{
				Code:    CodeFailure,
				Message: err.Error(),
				URI:     seg.URI,
			})
			inv.cancelAllLocked()
			inv.mu.Unlock()
			return
		}
		seg.Cursor += int64(consumed)
	}

	cb := inv.cbs.OnProgress
	inv.mu.Unlock()

	if cb != nil {
		cb(ev, seg)
	}
}

// cancelAllLocked cancels every tracked request. Cancelling a finished
// request is a no-op, so this is safe to hit more than once.
func (inv *invocation) cancelAllLocked() {
	for _, h := range inv.handles {
		h.Cancel()
	}
}

// abort is the handle returned to the caller. Each outstanding request
// surfaces its cancellation through the normal completion funnel, so the
// error path still fires exactly once.
func (inv *invocation) abort() {
	inv.mu.Lock()
	handles := inv.handles
	inv.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

func (inv *invocation) complete() {
	inv.mu.Lock()
	if inv.terminal {
		inv.mu.Unlock()
		return
	}
	inv.terminal = true
	cb := inv.cbs.OnDone
	inv.mu.Unlock()

	inv.co.logger.Debugf("Segment %s done: %d bytes, %.0f bps", inv.seg.URI, inv.seg.Stats.BytesReceived, inv.seg.Stats.BandwidthEstimate)
	if cb != nil {
		cb(nil, inv.seg)
	}
}

func (inv *invocation) fail(e *Error) {
	inv.mu.Lock()
	if inv.terminal {
		inv.mu.Unlock()
		return
	}
	inv.terminal = true
	cb := inv.cbs.OnDone
	inv.mu.Unlock()

	if cb != nil {
		cb(e, inv.seg)
	}
}
