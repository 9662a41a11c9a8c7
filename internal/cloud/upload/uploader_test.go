package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/edgestore-int/internal/api"
	cloudtransfer "github.com/rescale/edgestore-int/internal/cloud/transfer"
	"github.com/rescale/edgestore-int/internal/config"
	"github.com/rescale/edgestore-int/internal/logging"
	"github.com/rescale/edgestore-int/internal/models"
	"github.com/rescale/edgestore-int/internal/uploaderr"
)

const mb = 1024 * 1024

// progressLog records every progress value passed to OnProgressChange.
type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) record(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func (p *progressLog) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

func (p *progressLog) last() float64 {
	v := p.snapshot()
	if len(v) == 0 {
		return -1
	}
	return v[len(v)-1]
}

// fakeService answers request-upload with a fixed plan and records calls.
type fakeService struct {
	mu          sync.Mutex
	plan        *models.RequestUploadResponse
	requestErr  error
	completeErr error
	successRes  *models.SuccessResponse
	serviceErr  error
	requests    []*models.RequestUploadRequest
	completed   []*models.CompleteMultipartRequest
	fileCalls   []string
}

func (f *fakeService) RequestUpload(ctx context.Context, req *models.RequestUploadRequest) (*models.RequestUploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	res := *f.plan
	return &res, nil
}

func (f *fakeService) CompleteMultipartUpload(ctx context.Context, req *models.CompleteMultipartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, req)
	return f.completeErr
}

func (f *fakeService) ConfirmUpload(ctx context.Context, bucketName, fileURL string) (*models.SuccessResponse, error) {
	return f.fileCall("confirm", bucketName, fileURL)
}

func (f *fakeService) DeleteFile(ctx context.Context, bucketName, fileURL string) (*models.SuccessResponse, error) {
	return f.fileCall("delete", bucketName, fileURL)
}

func (f *fakeService) fileCall(op, bucketName, fileURL string) (*models.SuccessResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileCalls = append(f.fileCalls, op+" "+bucketName+" "+fileURL)
	if f.serviceErr != nil {
		return nil, f.serviceErr
	}
	return f.successRes, nil
}

func (f *fakeService) ResolveURL(fileURL string) string { return fileURL }

func (f *fakeService) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeTransport delegates each PUT to put, counting attempts per URL.
type fakeTransport struct {
	mu       sync.Mutex
	attempts map[string]int
	put      func(url string, attempt int, r *io.SectionReader) (string, error)
}

func newFakeTransport(put func(url string, attempt int, r *io.SectionReader) (string, error)) *fakeTransport {
	return &fakeTransport{attempts: make(map[string]int), put: put}
}

func (f *fakeTransport) PutBytes(ctx context.Context, r *io.SectionReader, url string, onProgress cloudtransfer.ProgressFunc) (string, error) {
	f.mu.Lock()
	f.attempts[url]++
	attempt := f.attempts[url]
	f.mu.Unlock()

	if onProgress != nil {
		onProgress(0)
	}
	etag, err := f.put(url, attempt, r)
	if err == nil && onProgress != nil {
		onProgress(100)
	}
	return etag, err
}

func (f *fakeTransport) attemptsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[url]
}

func multipartPlan(parts int, partSize int64) *models.RequestUploadResponse {
	info := &models.MultipartInfo{UploadID: "upload-1", Key: "key-1", PartSize: partSize, TotalParts: parts}
	for i := 1; i <= parts; i++ {
		info.Parts = append(info.Parts, models.PartDescriptor{PartNumber: i, UploadURL: fmt.Sprintf("https://storage.example.com/part/%d", i)})
	}
	return &models.RequestUploadResponse{
		Multipart:  info,
		AccessURL:  "https://files.example.com/documents/a.bin",
		Size:       int64(parts) * partSize,
		UploadedAt: "2024-05-01T10:20:30.123Z",
	}
}

func okETag(url string, attempt int, r *io.SectionReader) (string, error) {
	return `"etag-` + url[strings.LastIndexByte(url, '/')+1:] + `"`, nil
}

func fastUploader(svc Service, tr cloudtransfer.Transport, opts ...Option) *Uploader {
	opts = append([]Option{WithTransport(tr), WithRetryDelay(time.Millisecond)}, opts...)
	return NewUploader(svc, opts...)
}

// TestUploadMultipartEndToEnd uploads 12 MB with a 5 MB part size through the
// real API client and HTTP transport.
func TestUploadMultipartEndToEnd(t *testing.T) {
	data := make([]byte, 12*mb)
	for i := range data {
		data[i] = byte(i % 251)
	}

	var (
		mu       sync.Mutex
		received = map[int][]byte{}
		complete models.CompleteMultipartRequest
		srv      *httptest.Server
	)
	srv = httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		switch {
		case r.URL.Path == "/api/edgestore/request-upload":
			var req models.RequestUploadRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "bin", req.FileInfo.Extension)
			assert.Equal(t, int64(len(data)), req.FileInfo.Size)

			parts := []models.PartDescriptor{}
			for i := 1; i <= 3; i++ {
				parts = append(parts, models.PartDescriptor{PartNumber: i, UploadURL: fmt.Sprintf("%s/storage/part/%d?sig=abc", srv.URL, i)})
			}
			_ = json.NewEncoder(w).Encode(models.RequestUploadResponse{
				Multipart: &models.MultipartInfo{
					UploadID: "u-1", Key: "documents/a.bin", PartSize: 5 * mb, TotalParts: 3, Parts: parts,
				},
				AccessURL:  "https://files.example.com/documents/a.bin",
				Size:       int64(len(data)),
				UploadedAt: "2024-05-01T10:20:30.123Z",
				Metadata:   map[string]any{"owner": "ops"},
			})

		case strings.HasPrefix(r.URL.Path, "/storage/part/"):
			assert.Equal(t, nethttp.MethodPut, r.Method)
			assert.Equal(t, cloudtransfer.BlobTypeBlock, r.Header.Get(cloudtransfer.BlobTypeHeader))
			var n int
			_, _ = fmt.Sscanf(r.URL.Path, "/storage/part/%d", &n)
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			received[n] = body
			mu.Unlock()
			w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))

		case r.URL.Path == "/api/edgestore/complete-multipart-upload":
			mu.Lock()
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&complete))
			mu.Unlock()
			_, _ = io.WriteString(w, `{}`)

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(nethttp.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := config.NewConfig()
	cfg.BaseURL = srv.URL
	client, err := api.NewClient(cfg, api.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	up := NewUploader(client, WithTransport(cloudtransfer.NewHTTPTransport(srv.Client())))
	var progress progressLog
	out, err := up.Upload(context.Background(), "documents", UploadParams{
		File:             NewBytesFile("a.bin", data, "application/octet-stream"),
		OnProgressChange: progress.record,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	assert.Len(t, received[1], 5*mb)
	assert.Len(t, received[2], 5*mb)
	assert.Len(t, received[3], 2*mb)
	assert.True(t, bytes.Equal(data, bytes.Join([][]byte{received[1], received[2], received[3]}, nil)))

	assert.Equal(t, "u-1", complete.UploadID)
	assert.Equal(t, "documents/a.bin", complete.Key)
	assert.Equal(t, []models.PartResult{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
		{PartNumber: 3, ETag: `"etag-3"`},
	}, complete.Parts)

	assert.True(t, out.UploadedAt.Equal(time.Date(2024, 5, 1, 10, 20, 30, 123000000, time.UTC)), "uploadedAt = %v", out.UploadedAt)
	assert.Equal(t, "https://files.example.com/documents/a.bin", out.URL)
	assert.Equal(t, int64(len(data)), out.Size)
	assert.Equal(t, "ops", out.Metadata["owner"])

	values := progress.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 0.0, values[0])
	assert.Equal(t, 100.0, values[len(values)-1])
	for _, v := range values {
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestUploadSingleFromPlanShape(t *testing.T) {
	svc := &fakeService{plan: &models.RequestUploadResponse{
		UploadURL: "https://storage.example.com/whole",
		AccessURL: "https://files.example.com/_public/a.png",
	}}
	var gotLen int64
	tr := newFakeTransport(func(url string, attempt int, r *io.SectionReader) (string, error) {
		gotLen = r.Size()
		return "", nil // a single upload does not need an ETag
	})

	// 20 MB would be split by size-based clients; the plan alone decides here.
	out, err := fastUploader(svc, tr).Upload(context.Background(), "avatars", UploadParams{
		File: NewBytesFile("a.png", make([]byte, 20*mb), "image/png"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20*mb), gotLen)
	assert.Equal(t, 1, tr.attemptsFor("https://storage.example.com/whole"))
	assert.Empty(t, svc.completed)
	assert.Equal(t, "https://files.example.com/_public/a.png", out.URL)
	assert.True(t, out.UploadedAt.IsZero())
}

func TestUploadRequestBody(t *testing.T) {
	svc := &fakeService{plan: &models.RequestUploadResponse{UploadURL: "https://s/x"}}
	tr := newFakeTransport(okETag)

	_, err := fastUploader(svc, tr).Upload(context.Background(), "documents", UploadParams{
		File:  NewBytesFile("report.final.pdf", []byte("%PDF-1.4"), "application/pdf"),
		Input: map[string]string{"category": "reports"},
		Options: Options{
			ManualFileName:   "q3.pdf",
			ReplaceTargetURL: "https://files.example.com/documents/old.pdf",
			Temporary:        true,
		},
	})
	require.NoError(t, err)
	require.Len(t, svc.requests, 1)

	req := svc.requests[0]
	assert.Equal(t, "documents", req.BucketName)
	assert.Equal(t, map[string]string{"category": "reports"}, req.Input)
	assert.Equal(t, models.FileInfo{
		Extension:        "pdf",
		Type:             "application/pdf",
		Size:             8,
		FileName:         "q3.pdf",
		ReplaceTargetURL: "https://files.example.com/documents/old.pdf",
		Temporary:        true,
	}, req.FileInfo)
}

// TestUploadPartExhaustsRetries fails part 2 on every one of its 11 attempts.
func TestUploadPartExhaustsRetries(t *testing.T) {
	svc := &fakeService{plan: multipartPlan(3, 4)}
	tr := newFakeTransport(func(url string, attempt int, r *io.SectionReader) (string, error) {
		if strings.HasSuffix(url, "/2") {
			return "", &uploaderr.TransportError{Op: "put", URL: url, Err: errors.New("connection reset")}
		}
		return okETag(url, attempt, r)
	})
	var progress progressLog

	_, err := fastUploader(svc, tr).Upload(context.Background(), "documents", UploadParams{
		File:             NewBytesFile("a.bin", make([]byte, 12), ""),
		OnProgressChange: progress.record,
	})

	var partErr *uploaderr.PartUploadError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 2, partErr.PartNumber)
	assert.Equal(t, 11, partErr.Attempts)
	var te *uploaderr.TransportError
	assert.ErrorAs(t, err, &te)

	assert.Equal(t, 11, tr.attemptsFor("https://storage.example.com/part/2"))
	assert.Empty(t, svc.completed, "finalize must not run after a part failure")
	assert.Equal(t, 0.0, progress.last())
}

func TestUploadPartRetriedThenSucceeds(t *testing.T) {
	svc := &fakeService{plan: multipartPlan(3, 4)}
	tr := newFakeTransport(func(url string, attempt int, r *io.SectionReader) (string, error) {
		if strings.HasSuffix(url, "/3") && attempt <= 3 {
			return "", &uploaderr.TransportError{Op: "put", URL: url, StatusCode: 503}
		}
		return okETag(url, attempt, r)
	})

	_, err := fastUploader(svc, tr).Upload(context.Background(), "documents", UploadParams{
		File: NewBytesFile("a.bin", make([]byte, 12), ""),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, tr.attemptsFor("https://storage.example.com/part/3"))
	require.Len(t, svc.completed, 1)
	assert.Len(t, svc.completed[0].Parts, 3)
}

func TestUploadMissingETag(t *testing.T) {
	svc := &fakeService{plan: multipartPlan(2, 4)}
	tr := newFakeTransport(func(url string, attempt int, r *io.SectionReader) (string, error) {
		if strings.HasSuffix(url, "/1") {
			return "", nil
		}
		return okETag(url, attempt, r)
	})

	_, err := fastUploader(svc, tr, WithMaxPartRetries(2)).Upload(context.Background(), "documents", UploadParams{
		File: NewBytesFile("a.bin", make([]byte, 8), ""),
	})

	var partErr *uploaderr.PartUploadError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 1, partErr.PartNumber)
	assert.Equal(t, 3, partErr.Attempts)
	var pe *uploaderr.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

// TestNoWholeUploadRetry locks in that only multipart parts are retried: a
// failed single PUT fails the call after one plan request.
func TestNoWholeUploadRetry(t *testing.T) {
	svc := &fakeService{plan: &models.RequestUploadResponse{UploadURL: "https://storage.example.com/whole"}}
	tr := newFakeTransport(func(url string, attempt int, r *io.SectionReader) (string, error) {
		return "", &uploaderr.TransportError{Op: "put", URL: url, Err: errors.New("upload aborted")}
	})
	var progress progressLog

	_, err := fastUploader(svc, tr).Upload(context.Background(), "documents", UploadParams{
		File:             NewBytesFile("a.txt", []byte("hello"), ""),
		OnProgressChange: progress.record,
	})

	var te *uploaderr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, svc.requestCount())
	assert.Equal(t, 1, tr.attemptsFor("https://storage.example.com/whole"))
	assert.Equal(t, 0.0, progress.last())
}

func TestUploadRequestFailure(t *testing.T) {
	svc := &fakeService{requestErr: &api.ServiceError{Endpoint: api.EndpointRequestUpload, StatusCode: 401}}
	tr := newFakeTransport(okETag)
	var progress progressLog

	_, err := fastUploader(svc, tr).Upload(context.Background(), "documents", UploadParams{
		File:             NewBytesFile("a.txt", []byte("hello"), ""),
		OnProgressChange: progress.record,
	})
	assert.True(t, api.IsStatus(err, 401), "err = %v", err)
	assert.Equal(t, 1, svc.requestCount())
	assert.Equal(t, []float64{0, 0}, progress.snapshot())
}

func TestUploadUnexpectedPlan(t *testing.T) {
	svc := &fakeService{plan: &models.RequestUploadResponse{AccessURL: "https://f/a"}}
	_, err := fastUploader(svc, newFakeTransport(okETag)).Upload(context.Background(), "documents", UploadParams{
		File: NewBytesFile("a.txt", []byte("hello"), ""),
	})
	assert.ErrorIs(t, err, uploaderr.ErrUnexpectedPlan)
}

func TestUploadFinalizeFailure(t *testing.T) {
	svc := &fakeService{
		plan:        multipartPlan(2, 4),
		completeErr: &api.ServiceError{Endpoint: api.EndpointCompleteMultipart, StatusCode: 500},
	}
	var progress progressLog

	_, err := fastUploader(svc, newFakeTransport(okETag)).Upload(context.Background(), "documents", UploadParams{
		File:             NewBytesFile("a.bin", make([]byte, 8), ""),
		OnProgressChange: progress.record,
	})

	var fe *uploaderr.FinalizeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, api.EndpointCompleteMultipart, fe.Op)
	assert.Equal(t, 500, fe.StatusCode)
	assert.Len(t, svc.completed, 1, "finalize is not retried")
	assert.Equal(t, 0.0, progress.last())
}

func TestUploadNilFile(t *testing.T) {
	_, err := fastUploader(&fakeService{}, newFakeTransport(okETag)).Upload(context.Background(), "documents", UploadParams{})
	var ve *uploaderr.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestUploadManualFileNameWithSeparator(t *testing.T) {
	svc := &fakeService{plan: &models.RequestUploadResponse{UploadURL: "https://storage.example.com/whole"}}
	for _, name := range []string{"dir/a.txt", `dir\a.txt`} {
		_, err := fastUploader(svc, newFakeTransport(okETag)).Upload(context.Background(), "documents", UploadParams{
			File:    NewBytesFile("a.txt", []byte("a"), "text/plain"),
			Options: Options{ManualFileName: name},
		})
		var ve *uploaderr.ValidationError
		if assert.ErrorAs(t, err, &ve, name) {
			assert.Equal(t, "manualFileName", ve.Field)
		}
	}
	assert.Equal(t, 0, svc.requestCount())
}

// TestUploadGate starts max+1 uploads and checks exactly max are admitted
// until one completes.
func TestUploadGate(t *testing.T) {
	const maxUploads = 2
	svc := &fakeService{plan: &models.RequestUploadResponse{UploadURL: "https://storage.example.com/whole"}}

	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	tr := newFakeTransport(func(url string, attempt int, r *io.SectionReader) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return "", nil
	})
	up := fastUploader(svc, tr, WithMaxConcurrentUploads(maxUploads))

	var wg sync.WaitGroup
	var started atomic.Int32
	for i := 0; i < maxUploads+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := up.Upload(context.Background(), "documents", UploadParams{
				File: NewBytesFile("a.txt", []byte("hello"), ""),
				OnProgressChange: func(p float64) {
					if p == 0 {
						started.Add(1)
					}
				},
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return inFlight.Load() == maxUploads }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(maxUploads), inFlight.Load())
	assert.Equal(t, maxUploads, up.Gate().Active())
	assert.Equal(t, maxUploads, svc.requestCount(), "the queued call must not reach the service")
	assert.GreaterOrEqual(t, started.Load(), int32(maxUploads+1), "progress 0 is emitted before admission")

	close(release)
	wg.Wait()

	assert.Equal(t, int32(maxUploads), peak.Load())
	assert.Equal(t, 0, up.Gate().Active())
	assert.Equal(t, maxUploads+1, svc.requestCount())
}

func TestUploadGateContextCancelled(t *testing.T) {
	svc := &fakeService{plan: &models.RequestUploadResponse{UploadURL: "https://s/x"}}
	up := fastUploader(svc, newFakeTransport(okETag), WithMaxConcurrentUploads(1))

	slot, err := up.Gate().Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Complete()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = up.Upload(ctx, "documents", UploadParams{File: NewBytesFile("a.txt", []byte("x"), "")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, svc.requestCount())
}

func TestUploadOutcomeDevelopmentURLs(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		switch r.URL.Path {
		case "/api/edgestore/request-upload":
			_ = json.NewEncoder(w).Encode(models.RequestUploadResponse{
				UploadURL:    srv.URL + "/storage/whole",
				AccessURL:    "https://files.example.com/documents/a.png",
				ThumbnailURL: "https://files.example.com/_public/documents/a_thumb.png",
			})
		default:
			_, _ = io.Copy(io.Discard, r.Body)
		}
	}))
	defer srv.Close()

	cfg := config.NewConfig()
	cfg.BaseURL = srv.URL
	cfg.Environment = "development"
	client, err := api.NewClient(cfg, api.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	up := NewUploader(client, WithTransport(cloudtransfer.NewHTTPTransport(srv.Client())))
	out, err := up.Upload(context.Background(), "documents", UploadParams{File: NewBytesFile("a.png", []byte("png"), "image/png")})
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/api/edgestore/proxy-file?url=https%3A%2F%2Ffiles.example.com%2Fdocuments%2Fa.png", out.URL)
	assert.Equal(t, "https://files.example.com/_public/documents/a_thumb.png", out.ThumbnailURL)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUploadLogsAdmissionAndParts(t *testing.T) {
	var out syncBuffer
	svc := &fakeService{plan: multipartPlan(3, 4)}
	u := fastUploader(svc, newFakeTransport(okETag), WithLogger(logging.NewLogger(&out)))

	_, err := u.Upload(context.Background(), "documents", UploadParams{
		File: NewBytesFile("a.bin", make([]byte, 12), ""),
	})
	require.NoError(t, err)

	logs := out.String()
	assert.Contains(t, logs, "Upload admitted")
	assert.Contains(t, logs, "transfer-", "admission log carries the transfer ID")
	assert.Contains(t, logs, "All parts uploaded")
	assert.Equal(t, 0, u.Gate().Active())
}
