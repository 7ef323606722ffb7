package transport

import (
	"fmt"
	"time"

	"hlsfetch/internal/models"
)

// ResponseType selects how a response body is exposed to the caller.
type ResponseType string

const (
	ResponseTypeArrayBuffer ResponseType = "arraybuffer"
	ResponseTypeText        ResponseType = "text"
)

// ProgressEvent is delivered for every chunk of the response body received
// so far. Data is the accumulated body and must be treated as read-only; it
// may be reallocated between events.
type ProgressEvent struct {
	BytesLoaded int64
	Data        []byte
	At          time.Time
}

// Options configures a single request. A zero Timeout means the transport
// enforces no deadline of its own.
type Options struct {
	URI          string
	ResponseType ResponseType
	Headers      map[string]string
	Timeout      time.Duration

	// OnBeforeSend is invoked with the final options just before the
	// request is issued.
	OnBeforeSend func(*Options)
	// OnProgress is invoked for every progress notification, in order,
	// before the completion callback fires.
	OnProgress func(ProgressEvent)
}

// Response is the terminal outcome of one request. TimedOut and Aborted are
// set by the transport itself; everything else is meaningful only when the
// request reached the server.
type Response struct {
	StatusCode int
	TimedOut   bool
	Aborted    bool
	Body       []byte
	Text       string
	Stats      models.Stats
}

// Callback receives the terminal outcome of a request exactly once. err is
// non-nil whenever the request did not complete normally; resp is always
// non-nil and carries whatever flags and partial statistics exist.
type Callback func(err error, resp *Response)

// Handle cancels an in-flight request. Cancel is safe to call multiple
// times and after the request has completed.
type Handle interface {
	Cancel()
}

// Transport issues asynchronous requests. The callback and any progress
// notifications for one handle never run concurrently with each other.
type Transport interface {
	Issue(opts Options, cb Callback) Handle
}

// Merge layers per-request options over a caller-supplied base. Header maps
// are merged with the per-request side winning.
func Merge(base, req Options) Options {
	out := base
	if req.URI != "" {
		out.URI = req.URI
	}
	if req.ResponseType != "" {
		out.ResponseType = req.ResponseType
	}
	if req.Timeout > 0 {
		out.Timeout = req.Timeout
	}
	if req.OnBeforeSend != nil {
		out.OnBeforeSend = req.OnBeforeSend
	}
	if req.OnProgress != nil {
		out.OnProgress = req.OnProgress
	}
	if len(base.Headers) > 0 || len(req.Headers) > 0 {
		merged := make(map[string]string, len(base.Headers)+len(req.Headers))
		for k, v := range base.Headers {
			merged[k] = v
		}
		for k, v := range req.Headers {
			merged[k] = v
		}
		out.Headers = merged
	}
	return out
}

// RangeHeader renders a byte range as an inclusive-end HTTP Range value,
// e.g. offset=500 length=1000 becomes "bytes=500-1499".
func RangeHeader(r *models.ByteRange) string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}
