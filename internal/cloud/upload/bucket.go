package upload

import (
	"context"
	"fmt"
	"sort"

	"github.com/rescale/edgestore-int/internal/api"
	cloudtransfer "github.com/rescale/edgestore-int/internal/cloud/transfer"
	"github.com/rescale/edgestore-int/internal/config"
	"github.com/rescale/edgestore-int/internal/http"
	"github.com/rescale/edgestore-int/internal/logging"
	"github.com/rescale/edgestore-int/internal/models"
	"github.com/rescale/edgestore-int/internal/uploaderr"
)

// Registry holds one Bucket per name in the static bucket schema.
type Registry struct {
	uploader *Uploader
	buckets  map[string]*Bucket
}

// NewRegistry builds the bucket set once. Duplicate names collapse.
func NewRegistry(uploader *Uploader, names []string) *Registry {
	r := &Registry{
		uploader: uploader,
		buckets:  make(map[string]*Bucket, len(names)),
	}
	for _, name := range names {
		r.buckets[name] = &Bucket{name: name, uploader: uploader}
	}
	return r
}

// NewFromConfig wires an API client, a proxy-aware transfer client and an
// Uploader from cfg and returns the registry for cfg.Buckets.
func NewFromConfig(cfg *config.Config, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	client, err := api.NewClient(cfg, api.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	httpClient, err := http.CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure transfer client: %w", err)
	}

	uploader := NewUploader(client,
		WithLogger(logger),
		WithTransport(cloudtransfer.NewAutoTransport(httpClient, cloudtransfer.WithHTTPLogger(logger))),
		WithMaxConcurrentUploads(cfg.MaxConcurrentUploads),
		WithMaxParallelParts(cfg.Multipart.MaxParallelParts),
		WithMaxPartRetries(cfg.Multipart.MaxPartRetries),
		WithRetryDelay(cfg.Multipart.PartRetryDelay),
	)
	return NewRegistry(uploader, cfg.Buckets), nil
}

// Bucket returns the named bucket, or a ValidationError wrapping
// uploaderr.ErrUnknownBucket.
func (r *Registry) Bucket(name string) (*Bucket, error) {
	b, ok := r.buckets[name]
	if !ok {
		return nil, &uploaderr.ValidationError{
			Field: "bucket",
			Msg:   fmt.Sprintf("%q is not in the bucket schema", name),
			Err:   uploaderr.ErrUnknownBucket,
		}
	}
	return b, nil
}

// Names returns the bucket names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Uploader returns the uploader shared by every bucket.
func (r *Registry) Uploader() *Uploader {
	return r.uploader
}

// Bucket exposes the operations of one named bucket.
type Bucket struct {
	name     string
	uploader *Uploader
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Upload uploads a file into the bucket.
func (b *Bucket) Upload(ctx context.Context, p UploadParams) (*models.UploadOutcome, error) {
	return b.uploader.Upload(ctx, b.name, p)
}

// ConfirmUpload makes a temporary file permanent.
func (b *Bucket) ConfirmUpload(ctx context.Context, fileURL string) error {
	res, err := b.uploader.service.ConfirmUpload(ctx, b.name, fileURL)
	return checkSuccess(api.EndpointConfirmUpload, res, err)
}

// Delete removes a file from the bucket.
func (b *Bucket) Delete(ctx context.Context, fileURL string) error {
	res, err := b.uploader.service.DeleteFile(ctx, b.name, fileURL)
	return checkSuccess(api.EndpointDeleteFile, res, err)
}

// checkSuccess treats an error answer, or any answer without "success": true,
// as a FinalizeError. Neither operation is retried.
func checkSuccess(op string, res *models.SuccessResponse, err error) error {
	if err != nil {
		return finalizeError(op, "an error occurred", err)
	}
	if res == nil || res.Success == nil || !*res.Success {
		return &uploaderr.FinalizeError{Op: op, Msg: "service reported failure"}
	}
	return nil
}
