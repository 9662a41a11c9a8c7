// Package models holds the upload data model and the JSON bodies exchanged
// with the edge store service.
package models

import (
	"encoding/json"
	"time"

	"github.com/rescale/edgestore-int/internal/uploaderr"
)

// FileInfo describes the file being uploaded in a request-upload call.
type FileInfo struct {
	Extension        string `json:"extension"`
	Type             string `json:"type"`
	Size             int64  `json:"size"`
	FileName         string `json:"fileName,omitempty"`
	ReplaceTargetURL string `json:"replaceTargetUrl,omitempty"`
	// Temporary objects must be confirmed within 24 hours or the service deletes them
	Temporary bool `json:"temporary,omitempty"`
}

// RequestUploadRequest is the body of POST {apiPath}/request-upload.
type RequestUploadRequest struct {
	BucketName string   `json:"bucketName"`
	Input      any      `json:"input,omitempty"`
	FileInfo   FileInfo `json:"fileInfo"`
}

// RequestUploadResponse is the service answer to request-upload.
// Exactly one of UploadURL or Multipart is expected to be set.
type RequestUploadResponse struct {
	UploadURL string         `json:"uploadUrl,omitempty"`
	Multipart *MultipartInfo `json:"multipart,omitempty"`

	AccessURL    string         `json:"accessUrl"`
	ThumbnailURL string         `json:"thumbnailUrl,omitempty"`
	Size         int64          `json:"size"`
	UploadedAt   string         `json:"uploadedAt"`
	Path         map[string]any `json:"path,omitempty"`
	PathOrder    []string       `json:"pathOrder,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MultipartInfo is the multipart session issued by the service.
type MultipartInfo struct {
	UploadID   string           `json:"uploadId"`
	Key        string           `json:"key"`
	PartSize   int64            `json:"partSize"`
	TotalParts int              `json:"totalParts"`
	Parts      []PartDescriptor `json:"parts"`
}

// PartDescriptor is one part of a multipart plan. The byte range is derived
// from PartNumber and the plan's part size, it is never sent.
type PartDescriptor struct {
	PartNumber int    `json:"partNumber"`
	UploadURL  string `json:"uploadUrl"`
}

// Offset returns the first byte of the part.
func (p PartDescriptor) Offset(partSize int64) int64 {
	return int64(p.PartNumber-1) * partSize
}

// Length returns the number of bytes in the part for a file of fileSize bytes.
// The last part is usually shorter than partSize.
func (p PartDescriptor) Length(partSize, fileSize int64) int64 {
	start := p.Offset(partSize)
	end := start + partSize
	if end > fileSize {
		end = fileSize
	}
	if end < start {
		return 0
	}
	return end - start
}

// PartResult is produced once per successfully uploaded part.
type PartResult struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// CompleteMultipartRequest is the body of POST {apiPath}/complete-multipart-upload.
type CompleteMultipartRequest struct {
	BucketName string       `json:"bucketName"`
	UploadID   string       `json:"uploadId"`
	Key        string       `json:"key"`
	Parts      []PartResult `json:"parts"`
}

// FileURLRequest is the body of confirm-upload and delete-file.
type FileURLRequest struct {
	URL        string `json:"url"`
	BucketName string `json:"bucketName"`
}

// SuccessResponse is the answer to confirm-upload and delete-file.
type SuccessResponse struct {
	Success *bool `json:"success,omitempty"`
}

// PlanKind distinguishes the two upload plan shapes.
type PlanKind int

const (
	PlanSingle PlanKind = iota
	PlanMultipart
)

func (k PlanKind) String() string {
	if k == PlanMultipart {
		return "multipart"
	}
	return "single"
}

// UploadPlan is the discriminated plan returned by request-upload.
// For PlanSingle only DestinationURL is set; for PlanMultipart only Multipart.
type UploadPlan struct {
	Kind           PlanKind
	DestinationURL string
	Multipart      *MultipartInfo
}

// Plan classifies the response by shape alone: a multipart section wins,
// then a single upload URL. Anything else is ErrUnexpectedPlan.
func (r *RequestUploadResponse) Plan() (UploadPlan, error) {
	switch {
	case r.Multipart != nil:
		return UploadPlan{Kind: PlanMultipart, Multipart: r.Multipart}, nil
	case r.UploadURL != "":
		return UploadPlan{Kind: PlanSingle, DestinationURL: r.UploadURL}, nil
	default:
		return UploadPlan{}, uploaderr.ErrUnexpectedPlan
	}
}

// UploadOutcome is returned to the caller once an upload completes.
type UploadOutcome struct {
	URL          string         `json:"url"`
	ThumbnailURL string         `json:"thumbnailUrl,omitempty"`
	Size         int64          `json:"size"`
	UploadedAt   time.Time      `json:"uploadedAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Path         map[string]any `json:"path,omitempty"`
	PathOrder    []string       `json:"pathOrder,omitempty"`
}

// String renders the outcome as JSON for CLI output.
func (o UploadOutcome) String() string {
	b, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return o.URL
	}
	return string(b)
}
