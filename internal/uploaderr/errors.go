// Package uploaderr defines the error types returned by upload operations.
//
// Callers inspect failures with errors.As:
//
//	var partErr *uploaderr.PartUploadError
//	if errors.As(err, &partErr) {
//	    // part partErr.PartNumber gave up after partErr.Attempts attempts
//	}
package uploaderr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownBucket is wrapped by ValidationError when a bucket name is not in the schema.
	ErrUnknownBucket = errors.New("unknown bucket")

	// ErrUnexpectedPlan is returned when the service answers request-upload with
	// neither a single-part URL nor a multipart plan.
	ErrUnexpectedPlan = errors.New("an error occurred: upload plan has no upload url and no multipart info")
)

// TransportError is a network or abort failure while moving bytes to a destination URL.
type TransportError struct {
	Op         string // "put", "request"
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, redact(e.URL), e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, redact(e.URL), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the remote side answered but left out something the
// contract requires, such as the ETag of an uploaded part.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// PartUploadError is returned when a multipart part exhausted its retries.
type PartUploadError struct {
	PartNumber int
	Attempts   int
	Err        error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("part %d failed after %d attempts: %v", e.PartNumber, e.Attempts, e.Err)
}

func (e *PartUploadError) Unwrap() error { return e.Err }

// FinalizeError is a non-success answer to complete-multipart-upload,
// confirm-upload or delete-file.
type FinalizeError struct {
	Op         string
	StatusCode int
	Msg        string
}

func (e *FinalizeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Msg)
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// redact drops the query string so presigned signatures never reach logs.
func redact(rawURL string) string {
	base, _, _ := strings.Cut(rawURL, "?")
	return base
}
