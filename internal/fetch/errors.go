package fetch

import (
	"fmt"

	"hlsfetch/internal/transport"
)

// Classification codes for request outcomes. When several requests of one
// segment fail together, the error with the highest numeric code is the one
// surfaced to the caller, so a genuine failure outranks a timeout and a
// timeout outranks the aborts it cascaded into.
const (
	CodeTimeout = -101
	CodeAborted = -102
	CodeFailure = 2
)

// Error is a classified request failure.
type Error struct {
	Code    int
	Status  int
	Message string
	URI     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code=%d, status=%d, uri=%s)", e.Message, e.Code, e.Status, e.URI)
}

// Classify turns a raw transport outcome into a classified error, or nil
// when the outcome is a plain success. Checked in priority order: a
// transport-declared timeout, then cancellation (caller-initiated or
// cascaded from a sibling failure), then any other non-success outcome.
func Classify(uri string, err error, resp *transport.Response) *Error {
	switch {
	case resp != nil && resp.TimedOut:
		return &Error{
			Code:    CodeTimeout,
			Status:  resp.StatusCode,
			Message: "request timed out",
			URI:     uri,
		}
	case resp != nil && resp.Aborted:
		return &Error{
			Code:    CodeAborted,
			Status:  resp.StatusCode,
			Message: "request aborted",
			URI:     uri,
		}
	case err != nil:
		return &Error{
			Code:    CodeFailure,
			Message: fmt.Sprintf("request failed: %v", err),
			URI:     uri,
		}
	case resp == nil:
		return &Error{
			Code:    CodeFailure,
			Message: "request produced no response",
			URI:     uri,
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &Error{
			Code:    CodeFailure,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("request received non-success status %d", resp.StatusCode),
			URI:     uri,
		}
	default:
		return nil
	}
}

// MostSevere picks the error with the highest numeric code; the first seen
// wins ties. Returns nil for an empty list.
func MostSevere(errs []*Error) *Error {
	var top *Error
	for _, e := range errs {
		if top == nil || e.Code > top.Code {
			top = e
		}
	}
	return top
}
