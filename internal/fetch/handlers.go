package fetch

import (
	"encoding/binary"
	"fmt"

	"hlsfetch/internal/models"
	"hlsfetch/internal/transport"
)

const keySize = 16

// applyKeyResponse validates a key response and stores the key on the
// segment as raw bytes plus four big-endian 32-bit words. On a length
// violation the key fields are left untouched.
func applyKeyResponse(seg *models.Segment, resp *transport.Response) *Error {
	if seg.Key == nil {
		return &Error{
			Code:    CodeFailure,
			Status:  resp.StatusCode,
			Message: "key response for a segment without a key record",
			URI:     seg.URI,
		}
	}
	if len(resp.Body) != keySize {
		return &Error{
			Code:    CodeFailure,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("decryption key must be %d bytes, got %d", keySize, len(resp.Body)),
			URI:     seg.Key.URI,
		}
	}

	seg.Key.Bytes = append([]byte(nil), resp.Body...)
	for i := range seg.Key.Words {
		seg.Key.Words[i] = binary.BigEndian.Uint32(resp.Body[i*4:])
	}
	return nil
}

// applyInitResponse stores the init-segment bytes verbatim. The bytes are
// not parsed here; the container parser consumes them as out-of-band
// context.
func applyInitResponse(seg *models.Segment, resp *transport.Response) *Error {
	if seg.Map == nil {
		return &Error{
			Code:    CodeFailure,
			Status:  resp.StatusCode,
			Message: "init-segment response for a segment without a map record",
			URI:     seg.URI,
		}
	}
	if len(resp.Body) == 0 {
		return &Error{
			Code:    CodeFailure,
			Status:  resp.StatusCode,
			Message: "empty init segment",
			URI:     seg.Map.URI,
		}
	}
	seg.Map.Bytes = append([]byte(nil), resp.Body...)
	return nil
}

// applyMediaResponse records final transport statistics and stores the
// bytes not yet consumed by the parser — as the encrypted buffer when a key
// is present, as the final raw buffer otherwise. Progress notifications
// have already advanced the cursor for anything parsed along the way.
func applyMediaResponse(seg *models.Segment, resp *transport.Response) *Error {
	// Record statistics first; on failure the caller still gets whatever
	// partial state existed for diagnostics.
	seg.Stats.BytesReceived = resp.Stats.BytesReceived
	seg.Stats.BandwidthEstimate = resp.Stats.BandwidthEstimate
	seg.Stats.RoundTripTime = resp.Stats.RoundTripTime
	seg.Stats.CompletedAt = resp.Stats.CompletedAt
	if seg.Stats.FirstByteAt.IsZero() {
		seg.Stats.FirstByteAt = resp.Stats.FirstByteAt
	}

	if len(resp.Body) == 0 {
		return &Error{
			Code:    CodeFailure,
			Status:  resp.StatusCode,
			Message: "empty segment body",
			URI:     seg.URI,
		}
	}

	if seg.Cursor > int64(len(resp.Body)) {
		return &Error{
			Code:    CodeFailure,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("cursor %d beyond body length %d", seg.Cursor, len(resp.Body)),
			URI:     seg.URI,
		}
	}

	delta := append([]byte(nil), resp.Body[seg.Cursor:]...)
	if seg.Key != nil {
		seg.Encrypted = delta
	} else {
		seg.Raw = delta
	}
	return nil
}
