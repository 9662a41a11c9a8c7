// Package transfer moves one byte range to one presigned destination URL.
//
// A Transport performs a single PUT, reports percentage progress as bytes are
// handed to the connection, and returns the completion token (ETag) the
// destination assigned. Retrying is the caller's concern.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"sync"

	"github.com/rescale/edgestore-int/internal/logging"
	"github.com/rescale/edgestore-int/internal/progress"
	"github.com/rescale/edgestore-int/internal/uploaderr"
)

// BlobTypeHeader tells Azure destinations to create a block blob.
// Other object stores ignore it.
const (
	BlobTypeHeader = "x-ms-blob-type"
	BlobTypeBlock  = "BlockBlob"
)

// ProgressFunc receives a percentage in [0,100] rounded to two decimals.
type ProgressFunc func(percent float64)

// Transport uploads a byte range to a destination URL.
type Transport interface {
	// PutBytes sends every byte of r to destinationURL and returns the ETag
	// response header, which is empty when the destination sent none.
	// onProgress is called with 0 before the first byte and with increasing
	// values afterwards; it may be nil.
	PutBytes(ctx context.Context, r *io.SectionReader, destinationURL string, onProgress ProgressFunc) (string, error)
}

// progressGate forwards progress until closed. net/http may keep reading a
// request body after Do returns when the destination answered early; those
// late reads must not report progress once PutBytes has returned.
type progressGate struct {
	mu     sync.Mutex
	closed bool
	fn     ProgressFunc
}

func newProgressGate(fn ProgressFunc) *progressGate {
	return &progressGate{fn: fn}
}

func (g *progressGate) report(percent float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed && g.fn != nil {
		g.fn(percent)
	}
}

func (g *progressGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// HTTPTransport performs presigned PUTs with a plain *http.Client.
type HTTPTransport struct {
	client *nethttp.Client
	logger *logging.Logger
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPLogger sets the logger for transfer diagnostics.
func WithHTTPLogger(l *logging.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewHTTPTransport creates a transport using client. A nil client means
// nethttp.DefaultClient.
func NewHTTPTransport(client *nethttp.Client, opts ...HTTPOption) *HTTPTransport {
	if client == nil {
		client = nethttp.DefaultClient
	}
	t := &HTTPTransport{
		client: client,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PutBytes implements Transport.
func (t *HTTPTransport) PutBytes(ctx context.Context, r *io.SectionReader, destinationURL string, onProgress ProgressFunc) (string, error) {
	size := r.Size()
	gate := newProgressGate(onProgress)
	defer gate.close()
	gate.report(0)

	var body io.Reader = nethttp.NoBody
	if size > 0 {
		body = progress.NewProgressReader(io.NewSectionReader(r, 0, size), size, gate.report)
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPut, destinationURL, body)
	if err != nil {
		return "", &uploaderr.TransportError{Op: "put", URL: destinationURL, Err: err}
	}
	req.ContentLength = size
	req.Header.Set(BlobTypeHeader, BlobTypeBlock)

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("upload aborted: %w", err)
		}
		return "", &uploaderr.TransportError{Op: "put", URL: destinationURL, Err: err}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Debug().
			Int("status", resp.StatusCode).
			Int64("bytes", size).
			Msg("PUT rejected by destination")
		return "", &uploaderr.TransportError{
			Op:         "put",
			URL:        destinationURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %s", resp.Status),
		}
	}

	return resp.Header.Get("ETag"), nil
}
