package fetch_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsfetch/internal/decrypt"
	"hlsfetch/internal/fetch"
	"hlsfetch/internal/models"
	"hlsfetch/internal/parse"
	"hlsfetch/internal/transport"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

// fakeTransport records issued requests so tests can complete them in any
// order. Completions are driven from the test goroutine, mirroring the
// asynchronous delivery of the real transport.
type fakeTransport struct {
	mu   sync.Mutex
	reqs []*fakeRequest
}

type fakeRequest struct {
	opts     transport.Options
	cb       transport.Callback
	mu       sync.Mutex
	cancels  int
	finished bool
}

func (f *fakeTransport) Issue(opts transport.Options, cb transport.Callback) transport.Handle {
	r := &fakeRequest{opts: opts, cb: cb}
	f.mu.Lock()
	f.reqs = append(f.reqs, r)
	f.mu.Unlock()
	return r
}

func (f *fakeTransport) requests() []*fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeRequest(nil), f.reqs...)
}

func (r *fakeRequest) Cancel() {
	r.mu.Lock()
	r.cancels++
	r.mu.Unlock()
}

func (r *fakeRequest) cancelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancels
}

// complete fires the terminal callback once; later completions are dropped
// like the real transport drops them.
func (r *fakeRequest) complete(err error, resp *transport.Response) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.mu.Unlock()
	r.cb(err, resp)
}

func (r *fakeRequest) completeBody(body []byte) {
	r.complete(nil, &transport.Response{
		StatusCode: 200,
		Body:       body,
		Stats: models.Stats{
			BytesReceived: int64(len(body)),
			CompletedAt:   time.Now(),
		},
	})
}

func (r *fakeRequest) completeAborted() {
	r.complete(errors.New("context canceled"), &transport.Response{Aborted: true})
}

func (r *fakeRequest) completeTimedOut() {
	r.complete(errors.New("context deadline exceeded"), &transport.Response{TimedOut: true})
}

func (r *fakeRequest) progress(data []byte) {
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(transport.ProgressEvent{
			BytesLoaded: int64(len(data)),
			Data:        data,
			At:          time.Now(),
		})
	}
}

// recordMuxer is a transmuxer that records pushes and completes with video
// timing on final pushes.
type recordMuxer struct {
	mu       sync.Mutex
	pushes   [][]byte
	partials []bool
	empty    bool // report an empty completion instead
}

func (m *recordMuxer) Push(buf []byte, partial bool, hints parse.TrackHints, cbs parse.PushCallbacks) {
	m.mu.Lock()
	m.pushes = append(m.pushes, append([]byte(nil), buf...))
	m.partials = append(m.partials, partial)
	empty := m.empty
	m.mu.Unlock()

	if len(buf) > 0 && cbs.OnData != nil {
		cbs.OnData(models.OutputChunk{Data: buf})
	}
	if !partial && cbs.OnDone != nil {
		if empty {
			cbs.OnDone(parse.Completion{})
		} else {
			cbs.OnDone(parse.Completion{HasVideoTiming: true})
		}
	}
}

func (m *recordMuxer) pushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pushes)
}

// halfParser consumes half of what it is given (all of it on the final
// call) and records the buffers it saw.
type halfParser struct {
	mu   sync.Mutex
	seen [][]byte
}

func (p *halfParser) Parse(buf []byte, endOfSegment bool, state any) (parse.ParseResult, error) {
	p.mu.Lock()
	p.seen = append(p.seen, append([]byte(nil), buf...))
	p.mu.Unlock()

	consumed := len(buf)
	if !endOfSegment {
		consumed = len(buf) / 2
	}
	res := parse.ParseResult{Consumed: consumed, State: state}
	if consumed > 0 {
		res.Chunks = []models.OutputChunk{{Data: buf[:consumed]}}
	}
	return res, nil
}

type doneResult struct {
	err *fetch.Error
	seg *models.Segment
}

func newCoordinator(muxer parse.Transmuxer, frag parse.FragmentParser) *fetch.Coordinator {
	dispatcher := parse.New(&mockLogger{}, frag, muxer)
	return fetch.NewCoordinator(&mockLogger{}, dispatcher)
}

// TestCoordinator_UnencryptedSingleRequest covers the simplest pipeline: one
// media request, raw bytes stored, transmuxer route, onDone exactly once
// with no error.
func TestCoordinator_UnencryptedSingleRequest(t *testing.T) {
	ft := &fakeTransport{}
	muxer := &recordMuxer{}
	coord := newCoordinator(muxer, nil)

	seg := &models.Segment{URI: "http://example.com/seg1.ts"}
	body := bytes.Repeat([]byte{0xAB}, 1000)

	var chunks [][]byte
	done := make(chan doneResult, 2)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnData: func(_ *models.Segment, chunk models.OutputChunk) {
			chunks = append(chunks, chunk.Data)
		},
		OnDone: func(err *fetch.Error, s *models.Segment) {
			done <- doneResult{err, s}
		},
	})

	reqs := ft.requests()
	require.Len(t, reqs, 1, "an unencrypted segment without an init segment needs exactly one request")
	assert.Equal(t, "http://example.com/seg1.ts", reqs[0].opts.URI)

	reqs[0].completeBody(body)

	result := <-done
	assert.Nil(t, result.err)
	assert.Equal(t, body, result.seg.Raw)
	assert.Nil(t, result.seg.Encrypted)
	assert.Equal(t, int64(1000), result.seg.Cursor)
	assert.Equal(t, 1, muxer.pushCount())
	require.Len(t, chunks, 1)
	assert.Equal(t, body, chunks[0])

	select {
	case <-done:
		t.Fatal("onDone fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCoordinator_RangeHeader verifies the media request carries the
// inclusive-end range header.
func TestCoordinator_RangeHeader(t *testing.T) {
	ft := &fakeTransport{}
	coord := newCoordinator(&recordMuxer{}, nil)

	seg := &models.Segment{
		URI:   "http://example.com/seg1.ts",
		Range: &models.ByteRange{Offset: 500, Length: 1000},
	}
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{})

	reqs := ft.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "bytes=500-1499", reqs[0].opts.Headers["Range"])
}

func encryptCBC(t *testing.T, plain, key []byte, iv [16]byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out
}

// TestCoordinator_EncryptedSegment verifies the decrypt-then-parse path:
// both requests must finish before the decryption round-trip, and a
// correlated reply triggers exactly one final dispatch.
func TestCoordinator_EncryptedSegment(t *testing.T) {
	ft := &fakeTransport{}
	muxer := &recordMuxer{}
	coord := newCoordinator(muxer, nil)

	decClient, worker := decrypt.NewLoopback(&mockLogger{})
	defer decClient.Close()
	defer worker.Stop()

	key := bytes.Repeat([]byte{0x11}, 16)
	var iv [16]byte
	iv[15] = 7
	plain := []byte("some mpeg-ts payload for the muxer")
	ciphertext := encryptCBC(t, plain, key, iv)

	seg := &models.Segment{
		URI: "http://example.com/seg1.ts",
		Key: &models.Key{URI: "http://example.com/key.bin", IV: iv},
	}

	done := make(chan doneResult, 2)
	var chunks [][]byte
	var mu sync.Mutex
	coord.RequestSegment(ft, transport.Options{}, decClient, seg, fetch.Callbacks{
		OnData: func(_ *models.Segment, chunk models.OutputChunk) {
			mu.Lock()
			chunks = append(chunks, chunk.Data)
			mu.Unlock()
		},
		OnDone: func(err *fetch.Error, s *models.Segment) {
			done <- doneResult{err, s}
		},
	})

	reqs := ft.requests()
	require.Len(t, reqs, 2, "an encrypted segment needs key and media requests")
	assert.Equal(t, "http://example.com/key.bin", reqs[0].opts.URI)
	assert.Equal(t, "http://example.com/seg1.ts", reqs[1].opts.URI)

	// Media first: nothing may happen until the key also lands.
	reqs[1].completeBody(ciphertext)
	select {
	case <-done:
		t.Fatal("pipeline finished before all requests completed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, muxer.pushCount(), "no parsing before decryption")

	reqs[0].completeBody(key)

	select {
	case result := <-done:
		require.Nil(t, result.err)
		assert.Equal(t, plain, result.seg.Raw)
		assert.Nil(t, result.seg.Encrypted, "encrypted buffer ownership moved to the worker")
		assert.Nil(t, result.seg.Key.Bytes, "key buffer ownership moved to the worker")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the decrypt round-trip")
	}

	assert.Equal(t, 1, muxer.pushCount(), "exactly one final dispatch after decryption")
	mu.Lock()
	require.Len(t, chunks, 1)
	assert.Equal(t, plain, chunks[0])
	mu.Unlock()
}

// TestCoordinator_KeyWords verifies the 16-byte key is reinterpreted as
// four big-endian words.
func TestCoordinator_KeyWords(t *testing.T) {
	ft := &fakeTransport{}
	coord := newCoordinator(&recordMuxer{}, nil)

	decClient, worker := decrypt.NewLoopback(&mockLogger{})
	defer decClient.Close()
	defer worker.Stop()

	seg := &models.Segment{
		URI: "http://example.com/seg1.ts",
		Key: &models.Key{URI: "http://example.com/key.bin"},
	}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, decClient, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	reqs := ft.requests()
	require.Len(t, reqs, 2)
	keyBody := []byte{
		0x00, 0x01, 0x02, 0x03,
		0x10, 0x11, 0x12, 0x13,
		0x20, 0x21, 0x22, 0x23,
		0x30, 0x31, 0x32, 0x33,
	}
	reqs[0].completeBody(keyBody)

	assert.Equal(t, [4]uint32{0x00010203, 0x10111213, 0x20212223, 0x30313233}, seg.Key.Words)
}

// TestCoordinator_MalformedKeyAbortsSiblings verifies that a wrong-sized
// key fails the invocation, cancels the media request, leaves the key words
// untouched, and surfaces the Failure (not the cascaded Abort).
func TestCoordinator_MalformedKeyAbortsSiblings(t *testing.T) {
	ft := &fakeTransport{}
	coord := newCoordinator(&recordMuxer{}, nil)

	seg := &models.Segment{
		URI: "http://example.com/seg1.ts",
		Key: &models.Key{URI: "http://example.com/key.bin"},
	}
	done := make(chan doneResult, 2)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	reqs := ft.requests()
	require.Len(t, reqs, 2)

	reqs[0].completeBody(bytes.Repeat([]byte{0xFF}, 15))
	assert.GreaterOrEqual(t, reqs[1].cancelCount(), 1, "sibling media request must be cancelled")

	// The cancelled media request surfaces through the normal funnel.
	reqs[1].completeAborted()

	result := <-done
	require.NotNil(t, result.err)
	assert.Equal(t, fetch.CodeFailure, result.err.Code, "Failure outranks the cascaded Abort")
	assert.Equal(t, [4]uint32{}, seg.Key.Words, "malformed key must not mutate the key words")
	assert.Nil(t, seg.Key.Bytes)

	select {
	case <-done:
		t.Fatal("onDone fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCoordinator_TimeoutOutranksAborts: a timeout plus two cascaded aborts
// surfaces the timeout.
func TestCoordinator_TimeoutOutranksAborts(t *testing.T) {
	ft := &fakeTransport{}
	coord := newCoordinator(&recordMuxer{}, nil)

	seg := &models.Segment{
		URI: "http://example.com/seg1.m4s",
		Key: &models.Key{URI: "http://example.com/key.bin"},
		Map: &models.InitSegment{URI: "http://example.com/init.mp4"},
	}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	reqs := ft.requests()
	require.Len(t, reqs, 3, "key, init segment and media")

	reqs[0].completeTimedOut()
	assert.GreaterOrEqual(t, reqs[1].cancelCount(), 1)
	assert.GreaterOrEqual(t, reqs[2].cancelCount(), 1)
	reqs[1].completeAborted()
	reqs[2].completeAborted()

	result := <-done
	require.NotNil(t, result.err)
	assert.Equal(t, fetch.CodeTimeout, result.err.Code)
}

// TestCoordinator_EmptyMediaBody: a zero-length success body is a Failure.
func TestCoordinator_EmptyMediaBody(t *testing.T) {
	ft := &fakeTransport{}
	coord := newCoordinator(&recordMuxer{}, nil)

	seg := &models.Segment{URI: "http://example.com/seg1.ts"}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	ft.requests()[0].completeBody(nil)

	result := <-done
	require.NotNil(t, result.err)
	assert.Equal(t, fetch.CodeFailure, result.err.Code)
}

// TestCoordinator_CompletionWaitsForAllRequests: the hand-off fires only
// after all requests reach a terminal state, regardless of order.
func TestCoordinator_CompletionWaitsForAllRequests(t *testing.T) {
	ft := &fakeTransport{}
	frag := &halfParser{}
	coord := newCoordinator(nil, frag)

	seg := &models.Segment{
		URI: "http://example.com/seg1.m4s",
		Map: &models.InitSegment{URI: "http://example.com/init.mp4"},
	}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	reqs := ft.requests()
	require.Len(t, reqs, 2)

	reqs[1].completeBody([]byte("media bytes first"))
	select {
	case <-done:
		t.Fatal("pipeline finished before the init segment arrived")
	case <-time.After(50 * time.Millisecond):
	}

	reqs[0].completeBody([]byte("init bytes"))
	result := <-done
	require.Nil(t, result.err)
	assert.Equal(t, []byte("init bytes"), seg.Map.Bytes)
}

// TestCoordinator_CachedInitSkipsRequest: a map record with cached bytes
// does not issue an init-segment request.
func TestCoordinator_CachedInitSkipsRequest(t *testing.T) {
	ft := &fakeTransport{}
	coord := newCoordinator(nil, &halfParser{})

	seg := &models.Segment{
		URI: "http://example.com/seg1.m4s",
		Map: &models.InitSegment{URI: "http://example.com/init.mp4", Bytes: []byte("cached")},
	}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	reqs := ft.requests()
	require.Len(t, reqs, 1, "cached init bytes must suppress the init request")

	reqs[0].completeBody([]byte("media"))
	result := <-done
	assert.Nil(t, result.err)
}

// TestCoordinator_AbortIdempotent: invoking the abort handle twice produces
// no duplicate error report and no crash.
func TestCoordinator_AbortIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	coord := newCoordinator(&recordMuxer{}, nil)

	seg := &models.Segment{URI: "http://example.com/seg1.ts"}
	done := make(chan doneResult, 2)
	abort := coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	abort()
	abort()

	req := ft.requests()[0]
	assert.GreaterOrEqual(t, req.cancelCount(), 2)
	req.completeAborted()

	result := <-done
	require.NotNil(t, result.err)
	assert.Equal(t, fetch.CodeAborted, result.err.Code)

	abort() // after completion: still a no-op
	select {
	case <-done:
		t.Fatal("duplicate error report after repeated abort")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCoordinator_ProgressPartialParse: progress events drive partial
// dispatches, the cursor tracks consumption, and the final call starts
// exactly where the last partial consumption ended.
func TestCoordinator_ProgressPartialParse(t *testing.T) {
	ft := &fakeTransport{}
	frag := &halfParser{}
	coord := newCoordinator(nil, frag)

	seg := &models.Segment{
		URI: "http://example.com/seg1.m4s",
		Map: &models.InitSegment{URI: "http://example.com/init.mp4", Bytes: []byte("cached")},
	}
	var progressCalls int
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnProgress: func(ev transport.ProgressEvent, s *models.Segment) { progressCalls++ },
		OnDone:     func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	req := ft.requests()[0]
	body := []byte("0123456789abcdef") // 16 bytes

	// First 8 bytes arrive: parser consumes 4.
	req.progress(body[:8])
	assert.Equal(t, int64(4), seg.Cursor)

	// All 16 bytes arrive: delta is body[4:], parser consumes 6 more.
	req.progress(body)
	assert.Equal(t, int64(10), seg.Cursor)

	req.completeBody(body)
	result := <-done
	require.Nil(t, result.err)

	// Final call received exactly the unconsumed tail and consumed it all.
	require.Len(t, frag.seen, 3)
	assert.Equal(t, []byte(body[4:]), frag.seen[1])
	assert.Equal(t, []byte(body[10:]), frag.seen[2])
	assert.Equal(t, int64(16), seg.Cursor)
	assert.Equal(t, 2, progressCalls)

	// Cursor never exceeds the bytes ever supplied.
	assert.LessOrEqual(t, seg.Cursor, int64(len(body)))
}

// TestCoordinator_ProgressSkippedForEncrypted: no partial parsing for a
// segment that has a key.
func TestCoordinator_ProgressSkippedForEncrypted(t *testing.T) {
	ft := &fakeTransport{}
	muxer := &recordMuxer{}
	coord := newCoordinator(muxer, nil)

	decClient, worker := decrypt.NewLoopback(&mockLogger{})
	defer decClient.Close()
	defer worker.Stop()

	key := bytes.Repeat([]byte{0x42}, 16)
	var iv [16]byte
	plain := []byte("payload")
	ciphertext := encryptCBC(t, plain, key, iv)

	seg := &models.Segment{
		URI: "http://example.com/seg1.ts",
		Key: &models.Key{URI: "http://example.com/key.bin", IV: iv},
	}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, decClient, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	reqs := ft.requests()
	reqs[1].progress(ciphertext[:aes.BlockSize])
	assert.Equal(t, 0, muxer.pushCount(), "no partial parsing with a key present")
	assert.Equal(t, int64(0), seg.Cursor)

	reqs[0].completeBody(key)
	reqs[1].completeBody(ciphertext)

	select {
	case result := <-done:
		require.Nil(t, result.err)
		assert.Equal(t, plain, result.seg.Raw)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decryption")
	}
}

// TestCoordinator_ProgressSkippedWhileInitPending: the fmp4 path defers
// parsing until the init segment has fully completed, then the final call
// still covers everything skipped during progress.
func TestCoordinator_ProgressSkippedWhileInitPending(t *testing.T) {
	ft := &fakeTransport{}
	frag := &halfParser{}
	coord := newCoordinator(nil, frag)

	seg := &models.Segment{
		URI: "http://example.com/seg1.m4s",
		Map: &models.InitSegment{URI: "http://example.com/init.mp4"},
	}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	reqs := ft.requests()
	require.Len(t, reqs, 2)
	initReq, mediaReq := reqs[0], reqs[1]

	body := []byte("0123456789abcdef")
	mediaReq.progress(body[:8])
	assert.Equal(t, int64(0), seg.Cursor, "no parsing while the init segment is pending")
	assert.Empty(t, frag.seen)

	initReq.completeBody([]byte("init"))

	// Init is now complete; later progress may parse from the start.
	mediaReq.progress(body[:12])
	assert.Equal(t, int64(6), seg.Cursor)

	mediaReq.completeBody(body)
	result := <-done
	require.Nil(t, result.err)
	assert.Equal(t, int64(16), seg.Cursor, "final call processed everything skipped during progress")
}

// TestCoordinator_EmptyTransmuxCompletion: an empty completion is treated
// as "not done" and the pipeline stays silent.
func TestCoordinator_EmptyTransmuxCompletion(t *testing.T) {
	ft := &fakeTransport{}
	muxer := &recordMuxer{empty: true}
	coord := newCoordinator(muxer, nil)

	seg := &models.Segment{URI: "http://example.com/seg1.ts"}
	done := make(chan doneResult, 1)
	coord.RequestSegment(ft, transport.Options{}, nil, seg, fetch.Callbacks{
		OnDone: func(err *fetch.Error, s *models.Segment) { done <- doneResult{err, s} },
	})

	ft.requests()[0].completeBody([]byte("bytes"))

	select {
	case <-done:
		t.Fatal("pipeline reported done despite an empty transmuxer completion")
	case <-time.After(100 * time.Millisecond):
	}
}
