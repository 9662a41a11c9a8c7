package uploaderr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTransportErrorRedactsSignature(t *testing.T) {
	err := &TransportError{
		Op:  "put",
		URL: "https://bucket.s3.amazonaws.com/key?X-Amz-Signature=secret",
		Err: errors.New("connection reset"),
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("Error() = %q, should not contain the query string", err.Error())
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Error() = %q, want cause included", err.Error())
	}
}

func TestTransportErrorStatus(t *testing.T) {
	err := &TransportError{Op: "put", URL: "https://x/y", StatusCode: 503}
	if got := err.Error(); !strings.Contains(got, "503") {
		t.Errorf("Error() = %q, want status code", got)
	}
}

func TestPartUploadErrorUnwraps(t *testing.T) {
	cause := &TransportError{Op: "put", URL: "https://x", Err: errors.New("boom")}
	err := fmt.Errorf("upload: %w", &PartUploadError{PartNumber: 2, Attempts: 11, Err: cause})

	var partErr *PartUploadError
	if !errors.As(err, &partErr) {
		t.Fatal("errors.As(PartUploadError) = false")
	}
	if partErr.PartNumber != 2 || partErr.Attempts != 11 {
		t.Errorf("got part %d attempts %d, want 2 and 11", partErr.PartNumber, partErr.Attempts)
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Error("errors.As(TransportError) = false, want the cause reachable")
	}
}

func TestValidationErrorWrapsSentinel(t *testing.T) {
	err := &ValidationError{Field: "bucket", Msg: `"avatars" is not configured`, Err: ErrUnknownBucket}
	if !errors.Is(err, ErrUnknownBucket) {
		t.Error("errors.Is(ErrUnknownBucket) = false")
	}
	if got := err.Error(); got != `invalid bucket: "avatars" is not configured` {
		t.Errorf("Error() = %q", got)
	}
}

func TestFinalizeErrorMessage(t *testing.T) {
	tests := []struct {
		err  *FinalizeError
		want string
	}{
		{&FinalizeError{Op: "confirm-upload", Msg: "service returned success=false"}, "confirm-upload failed: service returned success=false"},
		{&FinalizeError{Op: "complete-multipart-upload", StatusCode: 500, Msg: "Multi-part upload failed"}, "complete-multipart-upload failed (status 500): Multi-part upload failed"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
