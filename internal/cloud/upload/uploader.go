// Package upload orchestrates whole-file uploads to the edge store service.
//
// An upload asks the service for a plan, then either PUTs the whole file to a
// single presigned URL or fans its parts out over a retrying bounded queue and
// finalizes the multipart session. Uploader bounds how many whole-file uploads
// run at once; Registry exposes the operations per configured bucket.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rescale/edgestore-int/internal/api"
	cloudtransfer "github.com/rescale/edgestore-int/internal/cloud/transfer"
	"github.com/rescale/edgestore-int/internal/constants"
	"github.com/rescale/edgestore-int/internal/logging"
	"github.com/rescale/edgestore-int/internal/models"
	"github.com/rescale/edgestore-int/internal/progress"
	"github.com/rescale/edgestore-int/internal/timing"
	"github.com/rescale/edgestore-int/internal/transfer"
	"github.com/rescale/edgestore-int/internal/uploaderr"
)

// Service is the remote contract the uploader depends on. *api.Client implements it.
type Service interface {
	RequestUpload(ctx context.Context, req *models.RequestUploadRequest) (*models.RequestUploadResponse, error)
	CompleteMultipartUpload(ctx context.Context, req *models.CompleteMultipartRequest) error
	ConfirmUpload(ctx context.Context, bucketName, fileURL string) (*models.SuccessResponse, error)
	DeleteFile(ctx context.Context, bucketName, fileURL string) (*models.SuccessResponse, error)
	ResolveURL(fileURL string) string
}

// Options are the per-call upload options.
type Options struct {
	// ManualFileName overrides the stored file name
	ManualFileName string
	// ReplaceTargetURL replaces an existing file instead of creating a new one
	ReplaceTargetURL string
	// Temporary files must be confirmed within 24 hours or they are deleted
	Temporary bool
}

// UploadParams describes one upload call.
type UploadParams struct {
	File File
	// Input is the bucket's structured input, sent as JSON
	Input any
	// OnProgressChange receives the overall percentage in [0,100] rounded to
	// two decimals. Calls are serialized. It receives 0 when the call starts
	// and again when the upload fails.
	OnProgressChange func(percent float64)
	Options          Options
}

// Uploader runs uploads against a Service.
type Uploader struct {
	service          Service
	transport        cloudtransfer.Transport
	gate             *transfer.Manager
	logger           *logging.Logger
	maxParallelParts int
	maxPartRetries   int
	retryDelay       time.Duration
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithTransport sets the part transport. The default routes Azure blob URLs
// through the blob SDK and everything else through a plain HTTP PUT.
func WithTransport(t cloudtransfer.Transport) Option {
	return func(u *Uploader) { u.transport = t }
}

// WithLogger sets the logger for upload diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithMaxConcurrentUploads sets how many whole-file uploads may run at once.
func WithMaxConcurrentUploads(n int) Option {
	return func(u *Uploader) { u.gate = transfer.NewManager(n) }
}

// WithMaxParallelParts sets how many parts of one file upload at once.
func WithMaxParallelParts(n int) Option {
	return func(u *Uploader) { u.maxParallelParts = n }
}

// WithMaxPartRetries sets the retries per part after its first failed attempt.
func WithMaxPartRetries(n int) Option {
	return func(u *Uploader) { u.maxPartRetries = n }
}

// WithRetryDelay sets the fixed pause before a part is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(u *Uploader) { u.retryDelay = d }
}

// NewUploader creates an uploader with 5 concurrent uploads, 5 parallel parts
// per upload and 10 retries per part 5 seconds apart unless overridden.
func NewUploader(service Service, opts ...Option) *Uploader {
	u := &Uploader{
		service:          service,
		logger:           logging.NewNopLogger(),
		maxParallelParts: constants.DefaultMaxParallelParts,
		maxPartRetries:   constants.DefaultMaxPartRetries,
		retryDelay:       constants.DefaultPartRetryDelay,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.gate == nil {
		u.gate = transfer.NewManager(constants.DefaultMaxConcurrentUploads)
	}
	if u.transport == nil {
		u.transport = cloudtransfer.NewAutoTransport(nil, cloudtransfer.WithHTTPLogger(u.logger))
	}
	return u
}

// Gate returns the admission gate bounding whole-file uploads.
func (u *Uploader) Gate() *transfer.Manager {
	return u.gate
}

// Upload uploads p.File into bucketName.
//
// The call waits for a free upload slot first. The upload plan returned by the
// service decides between a single PUT and a multipart upload; file size plays
// no part on this side. Only multipart parts are retried: a failed plan
// request, single PUT or finalize fails the call.
func (u *Uploader) Upload(ctx context.Context, bucketName string, p UploadParams) (*models.UploadOutcome, error) {
	report := func(percent float64) {
		if p.OnProgressChange != nil {
			p.OnProgressChange(percent)
		}
	}
	report(0)

	if p.File == nil {
		return nil, &uploaderr.ValidationError{Field: "file", Msg: "no file given"}
	}
	if strings.ContainsAny(p.Options.ManualFileName, `/\`) {
		return nil, &uploaderr.ValidationError{Field: "manualFileName", Msg: "must not contain a path separator"}
	}

	slot, err := u.gate.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for an upload slot: %w", err)
	}
	defer slot.Complete()

	stats := u.gate.GetStats()
	u.logger.Debug().
		Str("transfer", slot.GetID()).
		Str("bucket", bucketName).
		Int("active", stats.ActiveTransfers).
		Int("max", stats.MaxTransfers).
		Msg("Upload admitted")

	outcome, err := u.upload(ctx, bucketName, p, report)
	if err != nil {
		u.logger.Debug().Err(err).Stringer("transfer", slot).Msg("Upload failed")
		report(0)
		return nil, err
	}
	return outcome, nil
}

func (u *Uploader) upload(ctx context.Context, bucketName string, p UploadParams, report func(float64)) (*models.UploadOutcome, error) {
	file := p.File
	log := u.logger.Child("bucket", bucketName)

	reqTimer := timing.Start(nil, "request-upload "+file.Name())
	res, err := u.service.RequestUpload(ctx, &models.RequestUploadRequest{
		BucketName: bucketName,
		Input:      p.Input,
		FileInfo: models.FileInfo{
			Extension:        Extension(file.Name()),
			Type:             file.Type(),
			Size:             file.Size(),
			FileName:         p.Options.ManualFileName,
			ReplaceTargetURL: p.Options.ReplaceTargetURL,
			Temporary:        p.Options.Temporary,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("request upload: %w", err)
	}
	reqTimer.Stop()

	plan, err := res.Plan()
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("file", file.Name()).
		Str("size", humanize.IBytes(uint64(file.Size()))).
		Stringer("plan", plan.Kind).
		Msg("Upload plan received")

	timer := timing.Start(nil, "upload "+file.Name())
	switch plan.Kind {
	case models.PlanMultipart:
		err = u.uploadMultipart(ctx, bucketName, file, plan.Multipart, report)
	default:
		_, err = u.transport.PutBytes(ctx, io.NewSectionReader(file, 0, file.Size()), plan.DestinationURL, cloudtransfer.ProgressFunc(report))
	}
	if err != nil {
		return nil, err
	}

	elapsed := timer.StopWithThroughput(file.Size())
	log.Debug().
		Str("file", file.Name()).
		Str("rate", timing.Speed(file.Size(), elapsed)).
		Msg("Upload complete")

	return u.outcome(res, log), nil
}

func (u *Uploader) uploadMultipart(ctx context.Context, bucketName string, file File, info *models.MultipartInfo, report func(float64)) error {
	totalParts := info.TotalParts
	if totalParts <= 0 {
		totalParts = len(info.Parts)
	}
	agg := progress.NewAggregator(totalParts, report)
	size := file.Size()
	partTimer := timing.NewPartTimer(nil, file.Name(), totalParts)

	uploadPart := func(ctx context.Context, part models.PartDescriptor) (models.PartResult, error) {
		length := part.Length(info.PartSize, size)
		section := io.NewSectionReader(file, part.Offset(info.PartSize), length)

		start := time.Now()
		etag, err := u.transport.PutBytes(ctx, section, part.UploadURL, func(percent float64) {
			agg.Update(part.PartNumber, percent)
		})
		if err != nil {
			return models.PartResult{}, err
		}
		if etag == "" {
			return models.PartResult{}, &uploaderr.ProtocolError{
				Msg: fmt.Sprintf("could not get ETag for part %d from multipart response", part.PartNumber),
			}
		}

		elapsed := time.Since(start)
		partTimer.RecordPart(part.PartNumber, elapsed, length)
		u.logger.Debug().
			Int("part", part.PartNumber).
			Int("of", totalParts).
			Str("size", humanize.IBytes(uint64(length))).
			Str("rate", timing.Speed(length, elapsed)).
			Msg("Part uploaded")

		return models.PartResult{PartNumber: part.PartNumber, ETag: etag}, nil
	}

	parts, err := transfer.RunQueued(ctx, info.Parts, uploadPart, transfer.QueueOptions{
		MaxParallel: u.maxParallelParts,
		MaxRetries:  u.maxPartRetries,
		RetryDelay:  u.retryDelay,
		OnRetry: func(index, attempt int, err error) {
			u.logger.Warn().
				Err(err).
				Int("part", info.Parts[index].PartNumber).
				Int("attempt", attempt).
				Dur("delay", u.retryDelay).
				Msg("Part upload failed, retrying")
		},
	})
	if err != nil {
		var itemErr *transfer.ItemError
		if errors.As(err, &itemErr) {
			return &uploaderr.PartUploadError{
				PartNumber: info.Parts[itemErr.Index].PartNumber,
				Attempts:   itemErr.Attempts,
				Err:        itemErr.Err,
			}
		}
		return err
	}
	partTimer.Summary()
	u.logger.Debug().
		Int("reported", agg.Known()).
		Float64("progress", agg.Overall()).
		Msg("All parts uploaded")

	finalizeTimer := timing.Start(nil, "complete-multipart-upload "+file.Name())
	err = u.service.CompleteMultipartUpload(ctx, &models.CompleteMultipartRequest{
		BucketName: bucketName,
		UploadID:   info.UploadID,
		Key:        info.Key,
		Parts:      parts,
	})
	if err != nil {
		return finalizeError(api.EndpointCompleteMultipart, "multi-part upload failed", err)
	}
	finalizeTimer.Stop()

	u.logger.Debug().Str("uploadId", info.UploadID).Int("parts", len(parts)).Msg("Multipart upload finalized")
	return nil
}

// outcome builds the caller-facing result, resolving asset URLs for the environment.
func (u *Uploader) outcome(res *models.RequestUploadResponse, log *logging.Logger) *models.UploadOutcome {
	out := &models.UploadOutcome{
		URL:       u.service.ResolveURL(res.AccessURL),
		Size:      res.Size,
		Metadata:  res.Metadata,
		Path:      res.Path,
		PathOrder: res.PathOrder,
	}
	if res.ThumbnailURL != "" {
		out.ThumbnailURL = u.service.ResolveURL(res.ThumbnailURL)
	}
	if res.UploadedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, res.UploadedAt)
		if err != nil {
			log.Warn().Err(err).Str("uploadedAt", res.UploadedAt).Msg("Service returned an unparseable upload time")
		}
		out.UploadedAt = t
	}
	return out
}

// finalizeError maps a failed finalize, confirm or delete call to a FinalizeError.
// Errors that never reached the service are returned wrapped but unchanged.
func finalizeError(op, msg string, err error) error {
	var se *api.ServiceError
	if errors.As(err, &se) {
		if se.Message != "" {
			msg += ": " + se.Message
		}
		return &uploaderr.FinalizeError{Op: op, StatusCode: se.StatusCode, Msg: msg}
	}
	return fmt.Errorf("%s: %w", op, err)
}
