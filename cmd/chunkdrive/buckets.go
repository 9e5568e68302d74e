package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/internal/fs"
	"github.com/chunkdrive/chunkdrive/pkg/bytesize"
)

func newBucketsCmd(opts *cliOptions) *cobra.Command {
	bucketsCmd := &cobra.Command{
		Use:   "buckets",
		Short: "Inspect and repair buckets",
		Long: `Low-level access to the configured buckets, bypassing the filesystem.

Examples:
  # Show usage of every bucket
  chunkdrive buckets list

  # Check that every bucket accepts a write, a read and a delete
  chunkdrive buckets test

  # List raw objects in a bucket
  chunkdrive buckets ls main

  # Recompute usage from backend listings
  chunkdrive buckets reconcile`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show configured buckets and their usage",
		Args:  cobra.NoArgs,
		RunE:  withService(opts, runBucketsList),
	}

	testCmd := &cobra.Command{
		Use:   "test [bucket...]",
		Short: "Write, read back and delete a probe chunk",
		RunE:  withService(opts, runBucketsTest),
	}

	lsCmd := &cobra.Command{
		Use:   "ls <bucket>",
		Short: "List raw objects in a bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  withService(opts, runBucketsLs),
	}

	getCmd := &cobra.Command{
		Use:   "get <bucket> <key> [local-file|-]",
		Short: "Fetch a raw object",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  withService(opts, runBucketsGet),
	}
	getCmd.Flags().Bool("decode", false, "decrypt and decompress with the bucket's settings")

	putCmd := &cobra.Command{
		Use:   "put <bucket> <local-file|-> [key]",
		Short: "Store a raw object",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  withService(opts, runBucketsPut),
	}
	putCmd.Flags().Bool("encode", false, "compress and encrypt with the bucket's settings")

	rmCmd := &cobra.Command{
		Use:     "rm <bucket> <key>",
		Aliases: []string{"delete"},
		Short:   "Delete a raw object",
		Args:    cobra.ExactArgs(2),
		RunE:    withService(opts, runBucketsRm),
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute bucket usage from backend listings",
		Args:  cobra.NoArgs,
		RunE: withService(opts, func(cmd *cobra.Command, svc *fs.Service, _ []string) error {
			if err := svc.Reconcile(cmd.Context()); err != nil {
				return err
			}
			return runBucketsList(cmd, svc, nil)
		}),
	}

	bucketsCmd.AddCommand(listCmd, testCmd, lsCmd, getCmd, putCmd, rmCmd, reconcileCmd)
	return bucketsCmd
}

func formatCapacity(n int64) string {
	if n == 0 {
		return "unlimited"
	}
	return bytesize.Format(n)
}

func runBucketsList(cmd *cobra.Command, svc *fs.Service, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKIND\tUSED\tCAPACITY\tENCRYPTION\tCOMPRESSED")
	for _, u := range svc.Buckets() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			u.Bucket, u.Kind, bytesize.Format(u.Used), formatCapacity(u.Capacity), u.Encryption, u.Compressed)
	}
	return w.Flush()
}

func runBucketsTest(cmd *cobra.Command, svc *fs.Service, args []string) error {
	names := args
	if len(names) == 0 {
		for _, u := range svc.Buckets() {
			names = append(names, u.Bucket)
		}
	}

	failed := 0
	out := cmd.OutOrStdout()
	for _, name := range names {
		b, err := svc.Bucket(name)
		if err == nil {
			err = b.Test(cmd.Context())
		}
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "%s\tFAIL\t%v\n", name, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s\tOK\n", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d buckets failed", failed, len(names))
	}
	return nil
}

func runBucketsLs(cmd *cobra.Command, svc *fs.Service, args []string) error {
	b, err := svc.Bucket(args[0])
	if err != nil {
		return err
	}
	objs, err := b.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No objects found.")
		return nil
	}

	var total int64
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSIZE")
	for _, o := range objs {
		total += o.Size
		_, _ = fmt.Fprintf(w, "%s\t%s\n", o.Key, bytesize.Format(o.Size))
	}
	_, _ = fmt.Fprintf(w, "%d objects\t%s\n", len(objs), bytesize.Format(total))
	return w.Flush()
}

func runBucketsGet(cmd *cobra.Command, svc *fs.Service, args []string) error {
	b, err := svc.Bucket(args[0])
	if err != nil {
		return err
	}
	data, err := b.RawGet(cmd.Context(), args[1])
	if err != nil {
		return err
	}
	if decode, _ := cmd.Flags().GetBool("decode"); decode {
		if data, err = b.Decode(data); err != nil {
			return err
		}
	}
	return copyOut(cmd, bytes.NewReader(data), optionalArg(args, 2))
}

func runBucketsPut(cmd *cobra.Command, svc *fs.Service, args []string) error {
	if svc.Readonly() {
		return fmt.Errorf("buckets put: %w", errs.ErrReadOnly)
	}
	b, err := svc.Bucket(args[0])
	if err != nil {
		return err
	}

	var src io.Reader = cmd.InOrStdin()
	name := optionalArg(args, 2)
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		src = f
		if name == "" {
			name = filepath.Base(args[1])
		}
	}
	if name == "" {
		return fmt.Errorf("a key is required when reading from stdin")
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if encode, _ := cmd.Flags().GetBool("encode"); encode {
		if data, err = b.Encode(data); err != nil {
			return err
		}
	}
	key, err := b.RawPut(cmd.Context(), name, data)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func runBucketsRm(cmd *cobra.Command, svc *fs.Service, args []string) error {
	if svc.Readonly() {
		return fmt.Errorf("buckets rm: %w", errs.ErrReadOnly)
	}
	b, err := svc.Bucket(args[0])
	if err != nil {
		return err
	}
	return b.RawDelete(cmd.Context(), args[1])
}
