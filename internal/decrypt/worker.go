package decrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"hlsfetch/internal/logger"
)

// Worker is an in-process reference implementation of the decryption
// worker: AES-128-CBC with PKCS#7 padding, as HLS media segments use. It
// consumes requests and produces correlated replies until stopped. The
// protocol defines no error reply, so malformed requests are logged and
// dropped.
type Worker struct {
	logger   logger.Logger
	requests <-chan Request
	replies  chan<- Reply
	cancel   context.CancelFunc
}

// NewWorker creates a worker over the given channels. Call Start to begin
// processing and Stop to shut it down.
func NewWorker(log logger.Logger, requests <-chan Request, replies chan<- Reply) *Worker {
	return &Worker{
		logger:   log,
		requests: requests,
		replies:  replies,
	}
}

// NewLoopback wires a client and a worker together over freshly created
// channels and starts both. The caller owns shutdown of the returned pair.
func NewLoopback(log logger.Logger) (*Client, *Worker) {
	requests := make(chan Request, 16)
	replies := make(chan Reply, 16)
	worker := NewWorker(log, requests, replies)
	worker.Start()
	client := NewClient(log, requests, replies)
	return client, worker
}

// Start launches the processing goroutine.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
}

// Stop terminates the processing goroutine.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.requests:
			if !ok {
				return
			}
			plain, err := decryptCBC(req.Encrypted, req.Key, req.IV)
			if err != nil {
				w.logger.Errorf("Dropping malformed decryption request %s: %v", req.CorrelationID, err)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case w.replies <- Reply{CorrelationID: req.CorrelationID, Decrypted: plain}:
			}
		}
	}
}

func decryptCBC(encrypted, key []byte, iv [16]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(encrypted))
	}

	plain := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plain, encrypted)
	return stripPadding(plain)
}

// stripPadding removes PKCS#7 padding.
func stripPadding(plain []byte) ([]byte, error) {
	n := int(plain[len(plain)-1])
	if n == 0 || n > aes.BlockSize || n > len(plain) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, b := range plain[len(plain)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding byte %d", b)
		}
	}
	return plain[:len(plain)-n], nil
}
