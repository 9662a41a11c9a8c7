package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rescale/edgestore-int/internal/uploaderr"
)

func newSection(data []byte) *io.SectionReader {
	return io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data)))
}

// TestHTTPTransport_PutBytes verifies the body, blob type header, ETag and progress sequence.
func TestHTTPTransport_PutBytes(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 64*1024)
	var gotBody []byte
	var gotHeader, gotMethod string

	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get(BlobTypeHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"etag-1"`)
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var progress []float64
	tr := NewHTTPTransport(srv.Client())
	etag, err := tr.PutBytes(context.Background(), newSection(data), srv.URL+"/blob?sig=secret", func(p float64) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	if etag != `"etag-1"` {
		t.Errorf("PutBytes() etag = %q, want %q", etag, `"etag-1"`)
	}
	if gotMethod != nethttp.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotHeader != BlobTypeBlock {
		t.Errorf("%s = %q, want %q", BlobTypeHeader, gotHeader, BlobTypeBlock)
	}
	if !bytes.Equal(gotBody, data) {
		t.Errorf("server received %d bytes, want %d", len(gotBody), len(data))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) < 2 {
		t.Fatalf("progress = %v, want at least start and end", progress)
	}
	if progress[0] != 0 {
		t.Errorf("first progress = %v, want 0", progress[0])
	}
	if last := progress[len(progress)-1]; last != 100 {
		t.Errorf("last progress = %v, want 100", last)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress decreased at %d: %v", i, progress)
		}
	}
}

// TestHTTPTransport_SectionOffset verifies only the requested byte range is sent.
func TestHTTPTransport_SectionOffset(t *testing.T) {
	data := []byte("0123456789")
	var gotBody []byte
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		if r.ContentLength != 4 {
			t.Errorf("ContentLength = %d, want 4", r.ContentLength)
		}
	}))
	defer srv.Close()

	section := io.NewSectionReader(bytes.NewReader(data), 3, 4)
	if _, err := NewHTTPTransport(srv.Client()).PutBytes(context.Background(), section, srv.URL, nil); err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	if string(gotBody) != "3456" {
		t.Errorf("body = %q, want %q", gotBody, "3456")
	}
}

// TestHTTPTransport_MissingETag verifies a success without ETag returns an empty token, not an error.
func TestHTTPTransport_MissingETag(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(nethttp.StatusCreated)
	}))
	defer srv.Close()

	etag, err := NewHTTPTransport(srv.Client()).PutBytes(context.Background(), newSection([]byte("x")), srv.URL, nil)
	if err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	if etag != "" {
		t.Errorf("etag = %q, want empty", etag)
	}
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(nethttp.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.Client()).PutBytes(context.Background(), newSection([]byte("data")), srv.URL+"/p?sig=secret", nil)
	var te *uploaderr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("PutBytes() error = %v, want *TransportError", err)
	}
	if te.StatusCode != nethttp.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", te.StatusCode)
	}
	if bytes.Contains([]byte(err.Error()), []byte("secret")) {
		t.Errorf("error message leaks signature: %v", err)
	}
}

func TestHTTPTransport_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(nil).PutBytes(context.Background(), newSection([]byte("data")), url, nil)
	var te *uploaderr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("PutBytes() error = %v, want *TransportError", err)
	}
	if te.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for a connection failure", te.StatusCode)
	}
}

func TestHTTPTransport_Aborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPTransport(nil).PutBytes(ctx, newSection([]byte("data")), "http://127.0.0.1:1/x", nil)
	var te *uploaderr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("PutBytes() error = %v, want *TransportError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("errors.Is(err, context.Canceled) = false, err = %v", err)
	}
}

type roundTripFunc func(*nethttp.Request) (*nethttp.Response, error)

func (f roundTripFunc) RoundTrip(r *nethttp.Request) (*nethttp.Response, error) { return f(r) }

// The destination answers before the body is consumed and the connection
// keeps reading it afterwards.
func TestHTTPTransport_NoProgressAfterReturn(t *testing.T) {
	release := make(chan struct{})
	drained := make(chan struct{})
	client := &nethttp.Client{Transport: roundTripFunc(func(r *nethttp.Request) (*nethttp.Response, error) {
		go func() {
			defer close(drained)
			<-release
			_, _ = io.Copy(io.Discard, r.Body)
		}()
		return &nethttp.Response{
			StatusCode: nethttp.StatusForbidden,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     nethttp.Header{},
			Request:    r,
		}, nil
	})}

	var mu sync.Mutex
	var returned bool
	var late []float64
	onProgress := func(p float64) {
		mu.Lock()
		defer mu.Unlock()
		if returned {
			late = append(late, p)
		}
	}

	_, err := NewHTTPTransport(client).PutBytes(context.Background(), newSection(bytes.Repeat([]byte("x"), 1<<16)), "http://dest.invalid/p", onProgress)
	mu.Lock()
	returned = true
	mu.Unlock()
	if err == nil {
		t.Fatal("PutBytes() error = nil, want 403 error")
	}

	close(release)
	<-drained

	mu.Lock()
	defer mu.Unlock()
	if len(late) != 0 {
		t.Errorf("progress after PutBytes returned = %v, want none", late)
	}
}

// TestAzureTransport_PutBytes verifies the SDK path against a local blob endpoint.
func TestAzureTransport_PutBytes(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 4096)
	var gotBody []byte
	var gotHeader string
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotHeader = r.Header.Get(BlobTypeHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"0x8DB"`)
		w.WriteHeader(nethttp.StatusCreated)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var progress []float64
	tr := NewAzureTransport(srv.Client())
	etag, err := tr.PutBytes(context.Background(), newSection(data), srv.URL+"/container/blob.bin?sv=2023&sig=x", func(p float64) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	if etag != `"0x8DB"` {
		t.Errorf("etag = %q, want %q", etag, `"0x8DB"`)
	}
	if gotHeader != BlobTypeBlock {
		t.Errorf("%s = %q, want %q", BlobTypeHeader, gotHeader, BlobTypeBlock)
	}
	if !bytes.Equal(gotBody, data) {
		t.Errorf("server received %d bytes, want %d", len(gotBody), len(data))
	}
	if len(progress) == 0 || progress[0] != 0 {
		t.Errorf("progress = %v, want to start at 0", progress)
	}
}

func TestIsAzureBlobURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://acct.blob.core.windows.net/c/file.png?sv=1&sig=x", true},
		{"https://ACCT.BLOB.CORE.WINDOWS.NET/c/file.png", true},
		{"https://acct.blob.core.windows.net/c/file.png?comp=block&blockid=AA", false},
		{"https://bucket.s3.amazonaws.com/file.png?X-Amz-Signature=x", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		if got := IsAzureBlobURL(tt.url); got != tt.want {
			t.Errorf("IsAzureBlobURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

type fakeTransport struct {
	name  string
	calls *[]string
}

func (f fakeTransport) PutBytes(ctx context.Context, r *io.SectionReader, u string, p ProgressFunc) (string, error) {
	*f.calls = append(*f.calls, f.name)
	return f.name, nil
}

func TestAutoTransportRouting(t *testing.T) {
	var calls []string
	auto := &AutoTransport{
		Azure:    fakeTransport{"azure", &calls},
		Fallback: fakeTransport{"http", &calls},
	}
	r := newSection([]byte("x"))

	_, _ = auto.PutBytes(context.Background(), r, "https://a.blob.core.windows.net/c/b", nil)
	_, _ = auto.PutBytes(context.Background(), r, "https://a.blob.core.windows.net/c/b?comp=block&blockid=AA", nil)
	_, _ = auto.PutBytes(context.Background(), r, "https://s3.example.com/b/k?partNumber=1", nil)

	want := []string{"azure", "http", "http"}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d routed to %s, want %s", i, calls[i], want[i])
		}
	}
}
