package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"hlsfetch/internal/logger"
)

const readChunkSize = 32 * 1024

// HTTP is the net/http-backed Transport implementation. It streams response
// bodies and surfaces a progress notification per received chunk, so the
// pipeline can start parsing before a segment has fully arrived.
type HTTP struct {
	client    *http.Client
	logger    logger.Logger
	userAgent string
}

// NewHTTP creates an HTTP transport. A nil client gets a default with a
// response-header timeout, matching how the origin is expected to behave
// for live segments.
func NewHTTP(client *http.Client, log logger.Logger, userAgent string) *HTTP {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 3 * time.Second,
			},
		}
	}
	return &HTTP{
		client:    client,
		logger:    log,
		userAgent: userAgent,
	}
}

type httpHandle struct {
	cancel context.CancelFunc
}

// Cancel aborts the request. Idempotent; a no-op once the request finished.
func (h *httpHandle) Cancel() {
	h.cancel()
}

// Issue starts the request and returns immediately. The callback fires
// exactly once, from the request goroutine, after any progress events.
func (t *HTTP) Issue(opts Options, cb Callback) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	go t.run(ctx, opts, cb)
	return &httpHandle{cancel: cancel}
}

func (t *HTTP) run(ctx context.Context, opts Options, cb Callback) {
	if opts.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, opts.Timeout)
		defer tcancel()
	}

	if opts.OnBeforeSend != nil {
		opts.OnBeforeSend(&opts)
	}

	resp := &Response{}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URI, nil)
	if err != nil {
		cb(err, resp)
		return
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	t.logger.Debugf("Issuing request to %s", opts.URI)
	res, err := t.client.Do(req)
	if err != nil {
		t.flagFailure(ctx, resp, err)
		cb(err, resp)
		return
	}
	defer res.Body.Close()

	resp.StatusCode = res.StatusCode

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, rerr := res.Body.Read(chunk)
		if n > 0 {
			if resp.Stats.FirstByteAt.IsZero() {
				resp.Stats.FirstByteAt = time.Now()
			}
			buf.Write(chunk[:n])
			resp.Stats.BytesReceived = int64(buf.Len())
			if opts.OnProgress != nil {
				opts.OnProgress(ProgressEvent{
					BytesLoaded: int64(buf.Len()),
					Data:        buf.Bytes(),
					At:          time.Now(),
				})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			t.flagFailure(ctx, resp, rerr)
			cb(rerr, resp)
			return
		}
	}

	elapsed := time.Since(start)
	resp.Stats.RoundTripTime = elapsed
	resp.Stats.CompletedAt = time.Now()
	if secs := elapsed.Seconds(); secs > 0 {
		resp.Stats.BandwidthEstimate = float64(buf.Len()*8) / secs
	}

	resp.Body = buf.Bytes()
	if opts.ResponseType == ResponseTypeText {
		resp.Text = buf.String()
	}

	t.logger.Debugf("Request to %s completed: status %d, %d bytes in %v", opts.URI, resp.StatusCode, resp.Stats.BytesReceived, elapsed)
	cb(nil, resp)
}

// flagFailure translates a transport error into the timed-out/aborted flags
// the classifier keys on. A deadline hit counts as a timeout even when the
// error itself is a wrapped context error.
func (t *HTTP) flagFailure(ctx context.Context, resp *Response, err error) {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		resp.TimedOut = true
	case errors.As(err, &nerr) && nerr.Timeout():
		resp.TimedOut = true
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		resp.Aborted = true
	}
	t.logger.Warnf("Request failed (timedOut=%v aborted=%v): %v", resp.TimedOut, resp.Aborted, err)
}
