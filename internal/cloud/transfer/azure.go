package transfer

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/rescale/edgestore-int/internal/progress"
	"github.com/rescale/edgestore-int/internal/uploaderr"
)

// AzureTransport uploads whole blobs to Azure SAS URLs with the blob SDK.
// It only handles plain blob URLs; block staging URLs (comp=block) go
// through HTTPTransport.
type AzureTransport struct {
	httpClient *nethttp.Client
}

// NewAzureTransport creates an Azure transport that sends requests through
// httpClient, keeping the caller's proxy and connection pool. A nil client
// lets the SDK use its default transport.
func NewAzureTransport(httpClient *nethttp.Client) *AzureTransport {
	return &AzureTransport{httpClient: httpClient}
}

// PutBytes implements Transport.
func (t *AzureTransport) PutBytes(ctx context.Context, r *io.SectionReader, destinationURL string, onProgress ProgressFunc) (string, error) {
	opts := &blockblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			// A value below zero disables SDK retries; parts retry one level up
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	if t.httpClient != nil {
		opts.Transport = t.httpClient
	}

	client, err := blockblob.NewClientWithNoCredential(destinationURL, opts)
	if err != nil {
		return "", &uploaderr.TransportError{Op: "put", URL: destinationURL, Err: err}
	}

	size := r.Size()
	gate := newProgressGate(onProgress)
	defer gate.close()
	gate.report(0)

	var last float64 = -1
	body := streaming.NewRequestProgress(
		streaming.NopCloser(io.NewSectionReader(r, 0, size)),
		func(sent int64) {
			pct := progress.Percent(sent, size)
			if pct != last {
				last = pct
				gate.report(pct)
			}
		},
	)

	resp, err := client.Upload(ctx, body, nil)
	if err != nil {
		te := &uploaderr.TransportError{Op: "put", URL: destinationURL, Err: err}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			te.StatusCode = respErr.StatusCode
		}
		return "", te
	}

	if resp.ETag == nil {
		return "", nil
	}
	return string(*resp.ETag), nil
}

// IsAzureBlobURL reports whether rawURL addresses a whole Azure blob, as
// opposed to a block staging request or another object store.
func IsAzureBlobURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !strings.HasSuffix(strings.ToLower(u.Hostname()), ".blob.core.windows.net") {
		return false
	}
	return u.Query().Get("comp") == ""
}

// AutoTransport routes Azure blob URLs to an AzureTransport and everything
// else to a fallback transport.
type AutoTransport struct {
	Azure    Transport
	Fallback Transport
}

// NewAutoTransport builds a router over an HTTP and an Azure transport sharing httpClient.
func NewAutoTransport(httpClient *nethttp.Client, opts ...HTTPOption) *AutoTransport {
	return &AutoTransport{
		Azure:    NewAzureTransport(httpClient),
		Fallback: NewHTTPTransport(httpClient, opts...),
	}
}

// PutBytes implements Transport.
func (a *AutoTransport) PutBytes(ctx context.Context, r *io.SectionReader, destinationURL string, onProgress ProgressFunc) (string, error) {
	if a.Azure != nil && IsAzureBlobURL(destinationURL) {
		return a.Azure.PutBytes(ctx, r, destinationURL, onProgress)
	}
	return a.Fallback.PutBytes(ctx, r, destinationURL, onProgress)
}
