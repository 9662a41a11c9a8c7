package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/edgestore-int/internal/cloud/upload"
)

// newFileCmd builds confirm and delete, which share their shape.
func newFileCmd(use, short, long, done string, op func(b *upload.Bucket) func(cmd *cobra.Command, url string) error) *cobra.Command {
	var bucketName string

	cmd := &cobra.Command{
		Use:   use + " --bucket NAME URL...",
		Short: short,
		Long:  long,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			run := op(bucket)
			for _, url := range args {
				if err := run(cmd, url); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s\n", done, url)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&bucketName, "bucket", "b", "", "Bucket name (required)")
	_ = cmd.MarkFlagRequired("bucket")
	return cmd
}

// newConfirmCmd creates the 'confirm' command.
func newConfirmCmd() *cobra.Command {
	return newFileCmd("confirm", "Confirm temporary uploads",
		`Make temporary uploads permanent. Temporary files that are not confirmed
within 24 hours are deleted by the service.`,
		"Confirmed",
		func(b *upload.Bucket) func(*cobra.Command, string) error {
			return func(cmd *cobra.Command, url string) error {
				return b.ConfirmUpload(GetContext(), url)
			}
		})
}

// newDeleteCmd creates the 'delete' command.
func newDeleteCmd() *cobra.Command {
	return newFileCmd("delete", "Delete uploaded files",
		`Delete uploaded files from a bucket by URL.`,
		"Deleted",
		func(b *upload.Bucket) func(*cobra.Command, string) error {
			return func(cmd *cobra.Command, url string) error {
				return b.Delete(GetContext(), url)
			}
		})
}

// newBucketsCmd creates the 'buckets' command.
func newBucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buckets",
		Short: "List configured buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry := upload.NewRegistry(nil, cfg.Buckets)
			out := cmd.OutOrStdout()
			if len(registry.Names()) == 0 {
				fmt.Fprintln(out, "No buckets configured (set buckets in the [edgestore] section)")
				return nil
			}
			for _, name := range registry.Names() {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}
