// Package api provides error types for edge store service responses.
package api

import (
	"errors"
	"fmt"
)

// ErrEmptyBaseURL is returned by NewClient when the configuration has no base URL.
var ErrEmptyBaseURL = errors.New("API base URL is empty")

// ServiceError is a non-2xx answer from a service endpoint.
type ServiceError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsStatus reports whether err is a ServiceError carrying the given HTTP status.
//
// Usage:
//
//	_, err := client.ConfirmUpload(ctx, bucket, url)
//	if api.IsStatus(err, http.StatusNotFound) {
//	    // the temporary file already expired
//	}
func IsStatus(err error, status int) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode == status
	}
	return false
}
