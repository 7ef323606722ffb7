// Package decrypt implements the message-passing protocol between the
// pipeline and the shared decryption worker. The worker is reached over a
// request channel and answers on a reply channel; correlation identifiers
// isolate the round-trips of concurrently in-flight segments.
package decrypt

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
)

// Request is the outbound worker message. Ownership of Encrypted and Key
// transfers to the worker; the sender must not read them afterward.
type Request struct {
	CorrelationID string
	Encrypted     []byte
	Key           []byte
	IV            [16]byte
}

// Reply is the inbound worker message carrying the plaintext for one
// request.
type Reply struct {
	CorrelationID string
	Decrypted     []byte
}

// Client correlates asynchronous decryption replies back to the segments
// that requested them. One client serves any number of concurrently
// in-flight segments over a single worker channel pair.
type Client struct {
	logger   logger.Logger
	requests chan<- Request

	mu        sync.Mutex
	listeners map[string]func([]byte)

	cancel context.CancelFunc
}

// NewClient creates a client over the given worker channels and starts the
// reply-routing goroutine. Close must be called to stop it.
func NewClient(log logger.Logger, requests chan<- Request, replies <-chan Reply) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:    log,
		requests:  requests,
		listeners: make(map[string]func([]byte)),
		cancel:    cancel,
	}
	go c.routeReplies(ctx, replies)
	return c
}

// Close stops the reply router. Outstanding listeners are dropped.
func (c *Client) Close() {
	c.cancel()
}

// Decrypt sends the segment's encrypted buffer, key and IV to the worker
// and registers onDecrypted for the correlated reply. The encrypted and key
// buffers are released from the segment before the message is sent and must
// be considered invalid from that point on. Returns the correlation id.
func (c *Client) Decrypt(seg *models.Segment, onDecrypted func(plain []byte)) string {
	id := uuid.NewString()

	req := Request{
		CorrelationID: id,
		Encrypted:     seg.Encrypted,
		Key:           seg.Key.Bytes,
		IV:            seg.Key.IV,
	}
	// Transfer of ownership: the buffers now belong to the worker.
	seg.Encrypted = nil
	seg.Key.Bytes = nil

	c.mu.Lock()
	c.listeners[id] = onDecrypted
	c.mu.Unlock()

	c.logger.Debugf("Sending decryption request %s for segment %s (%d bytes)", id, seg.URI, len(req.Encrypted))
	c.requests <- req
	return id
}

// routeReplies matches each reply to its registered listener and
// deregisters it immediately, so repeated segments on one worker channel
// cannot leak listeners or misroute a later reply.
func (c *Client) routeReplies(ctx context.Context, replies <-chan Reply) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-replies:
			if !ok {
				return
			}
			c.mu.Lock()
			listener, found := c.listeners[reply.CorrelationID]
			if found {
				delete(c.listeners, reply.CorrelationID)
			}
			c.mu.Unlock()

			if !found {
				c.logger.Warnf("Dropping decryption reply with unknown correlation id %s", reply.CorrelationID)
				continue
			}
			listener(reply.Decrypted)
		}
	}
}
