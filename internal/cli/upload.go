package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/edgestore-int/internal/api"
	"github.com/rescale/edgestore-int/internal/cloud/upload"
	"github.com/rescale/edgestore-int/internal/models"
	"github.com/rescale/edgestore-int/internal/progress"
)

// newUploadCmd creates the 'upload' command.
func newUploadCmd() *cobra.Command {
	var (
		bucketName string
		inputJSON  string
		fileName   string
		replaceURL string
		temporary  bool
	)

	cmd := &cobra.Command{
		Use:   "upload --bucket NAME FILE...",
		Short: "Upload files to a bucket",
		Long: `Upload one or more local files to a bucket.

All files upload concurrently, bounded by max_concurrent_uploads. Large files
are split into parts by the service; each part is retried on failure.

Examples:
  edgestore-int upload --bucket documents report.pdf
  edgestore-int upload --bucket avatars --input '{"userId":"42"}' --temporary me.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileName != "" && len(args) > 1 {
				return errors.New("--file-name can only be used with a single file")
			}

			var input any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("invalid --input JSON: %w", err)
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := upload.NewFromConfig(cfg, GetLogger())
			if err != nil {
				return err
			}
			bucket, err := registry.Bucket(bucketName)
			if err != nil {
				return err
			}

			opts := upload.Options{
				ManualFileName:   fileName,
				ReplaceTargetURL: replaceURL,
				Temporary:        temporary,
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				outcome, err := uploadOne(GetContext(), bucket, args[0], input, opts)
				if err != nil {
					return withEndpointHint(err, cfg.APIPath)
				}
				fmt.Fprintln(out, outcome.String())
				return nil
			}
			return withEndpointHint(uploadMany(GetContext(), bucket, args, input, opts, out), cfg.APIPath)
		},
	}

	cmd.Flags().StringVarP(&bucketName, "bucket", "b", "", "Bucket name (required)")
	cmd.Flags().StringVar(&inputJSON, "input", "", "Bucket input as JSON")
	cmd.Flags().StringVar(&fileName, "file-name", "", "Stored file name (single file only)")
	cmd.Flags().StringVar(&replaceURL, "replace", "", "URL of an existing file to replace")
	cmd.Flags().BoolVar(&temporary, "temporary", false, "Upload as temporary; confirm within 24 hours or it is deleted")
	_ = cmd.MarkFlagRequired("bucket")

	return cmd
}

// withEndpointHint points at the API path when the service answered 404,
// which usually means the handler is mounted elsewhere.
func withEndpointHint(err error, apiPath string) error {
	if api.IsStatus(err, nethttp.StatusNotFound) {
		return fmt.Errorf("%w (is the edge store handler mounted at %s? see --api-path)", err, apiPath)
	}
	return err
}

// uploadOne uploads a single file with a progressbar-style bar.
func uploadOne(ctx context.Context, bucket *upload.Bucket, path string, input any, opts upload.Options) (*models.UploadOutcome, error) {
	file, err := upload.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bar := progress.NewCLIProgress()
	bar.Start(file.Size(), fmt.Sprintf("%s (%s)", file.Name(), humanize.IBytes(uint64(file.Size()))))

	outcome, err := bucket.Upload(ctx, upload.UploadParams{
		File:             file,
		Input:            input,
		OnProgressChange: progress.PercentFunc(bar, file.Size()),
		Options:          opts,
	})
	if err != nil {
		bar.Error(err)
		return nil, err
	}
	bar.Finish()
	return outcome, nil
}

// uploadMany uploads every path concurrently with one mpb bar per file.
// The uploader's gate decides how many actually transfer at once.
func uploadMany(ctx context.Context, bucket *upload.Bucket, paths []string, input any, opts upload.Options, out io.Writer) error {
	ui := progress.NewUploadUI(len(paths))
	log := GetLogger()
	prevOutput := log.Output()
	log.SetOutput(ui.LogWriter())
	defer log.SetOutput(prevOutput)

	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	for _, path := range paths {
		g.Go(func() error {
			file, err := upload.OpenFile(path)
			if err != nil {
				ui.AddFileBar(path, bucket.Name(), 0).Complete("", err)
				mu.Lock()
				failed = append(failed, path)
				mu.Unlock()
				return err
			}
			defer file.Close()

			fb := ui.AddFileBar(path, bucket.Name(), file.Size())
			outcome, err := bucket.Upload(ctx, upload.UploadParams{
				File:             file,
				Input:            input,
				OnProgressChange: fb.UpdateProgress,
				Options:          opts,
			})
			if err != nil {
				fb.Complete("", err)
				mu.Lock()
				failed = append(failed, path)
				mu.Unlock()
				return err
			}
			fb.Complete(outcome.URL, nil)
			return nil
		})
	}

	// Every upload runs to the end; errgroup only reports the first failure.
	firstErr := g.Wait()
	ui.Wait()

	fmt.Fprintf(out, "Uploaded %d/%d files to %s\n", len(paths)-len(failed), len(paths), bucket.Name())
	if firstErr != nil {
		return fmt.Errorf("%d of %d uploads failed, first error: %w", len(failed), len(paths), firstErr)
	}
	return nil
}
