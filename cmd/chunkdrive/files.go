package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkdrive/chunkdrive/internal/fs"
	"github.com/chunkdrive/chunkdrive/internal/vfs"
	"github.com/chunkdrive/chunkdrive/pkg/bytesize"
)

const timeLayout = "2006-01-02 15:04:05"

// withService opens the filesystem around fn.
func withService(opts *cliOptions, fn func(cmd *cobra.Command, svc *fs.Service, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, done, err := openService(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer done()
		return fn(cmd, svc, args)
	}
}

func newFileCmds(opts *cliOptions) []*cobra.Command {
	putCmd := &cobra.Command{
		Use:   "put <local-file|-> <path>",
		Short: "Store a local file (or stdin) at a path",
		Args:  cobra.ExactArgs(2),
		RunE:  withService(opts, runPut),
	}

	getCmd := &cobra.Command{
		Use:   "get <path> [local-file|-]",
		Short: "Read a stored file to a local file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withService(opts, runGet),
	}

	catIDCmd := &cobra.Command{
		Use:   "cat-id <id> [local-file|-]",
		Short: "Read a stored file by its descriptor id",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withService(opts, runCatID),
	}

	var recursive bool
	rmCmd := &cobra.Command{
		Use:     "rm <path>",
		Aliases: []string{"delete"},
		Short:   "Delete a file and its chunks, or an empty directory",
		Long: `Delete a file and its chunks, or an empty directory.

With -r a directory is deleted together with everything below it.`,
		Args: cobra.ExactArgs(1),
		RunE: withService(opts, func(cmd *cobra.Command, svc *fs.Service, args []string) error {
			if recursive {
				return svc.RemoveAll(cmd.Context(), args[0])
			}
			return svc.DeleteFile(cmd.Context(), args[0])
		}),
	}
	rmCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete directories and their contents")

	lsCmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withService(opts, runLs),
	}

	statCmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Show a file's descriptor",
		Args:  cobra.ExactArgs(1),
		RunE:  withService(opts, runStat),
	}
	statCmd.Flags().Bool("json", false, "print the descriptor as JSON")

	mkdirCmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory and its parents",
		Args:  cobra.ExactArgs(1),
		RunE: withService(opts, func(cmd *cobra.Command, svc *fs.Service, args []string) error {
			return svc.Mkdir(cmd.Context(), args[0])
		}),
	}

	mvCmd := &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: withService(opts, func(cmd *cobra.Command, svc *fs.Service, args []string) error {
			return svc.Move(cmd.Context(), args[0], args[1])
		}),
	}

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete chunks no file references",
		Long: `Scan every listable bucket for objects that no descriptor and no root
chunk references, and delete them. Buckets whose backend cannot list objects
are skipped.`,
		Args: cobra.NoArgs,
		RunE: withService(opts, runGC),
	}
	gcCmd.Flags().Bool("dry-run", false, "only report what would be deleted")

	return []*cobra.Command{putCmd, getCmd, catIDCmd, rmCmd, lsCmd, statCmd, mkdirCmd, mvCmd, gcCmd}
}

func runPut(cmd *cobra.Command, svc *fs.Service, args []string) error {
	var src io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	d, err := svc.WriteFile(cmd.Context(), args[1], src)
	if err != nil && d == nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d chunks\t%s\n", d.Path, bytesize.Format(d.Size), len(d.Chunks), d.ID)
	return err
}

// copyOut writes r to dst, a local path or "-" for stdout.
func copyOut(cmd *cobra.Command, r io.Reader, dst string) error {
	if dst == "" || dst == "-" {
		_, err := io.Copy(cmd.OutOrStdout(), r)
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".chunkdrive-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func runGet(cmd *cobra.Command, svc *fs.Service, args []string) error {
	rc, _, err := svc.ReadFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return copyOut(cmd, rc, optionalArg(args, 1))
}

func runCatID(cmd *cobra.Command, svc *fs.Service, args []string) error {
	rc, _, err := svc.ReadByID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return copyOut(cmd, rc, optionalArg(args, 1))
}

func runLs(cmd *cobra.Command, svc *fs.Service, args []string) error {
	dir := optionalArg(args, 0)
	if dir == "" {
		dir = "/"
	}
	entries, err := svc.ListDir(cmd.Context(), dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Empty directory.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
	for _, e := range entries {
		if e.IsDir {
			_, _ = fmt.Fprintf(w, "%s/\t-\t-\n", e.Name)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, bytesize.Format(e.Descriptor.Size), e.Descriptor.Modified.Local().Format(timeLayout))
	}
	return w.Flush()
}

func runStat(cmd *cobra.Command, svc *fs.Service, args []string) error {
	e, err := svc.Stat(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}
	if e.IsDir {
		_, _ = fmt.Fprintf(out, "%s: directory\n", e.Path)
		return nil
	}
	printDescriptor(cmd, e.Descriptor)
	return nil
}

func printDescriptor(cmd *cobra.Command, d *vfs.Descriptor) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Path:\t%s\n", d.Path)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", d.ID)
	_, _ = fmt.Fprintf(w, "Size:\t%s (%d bytes)\n", bytesize.Format(d.Size), d.Size)
	_, _ = fmt.Fprintf(w, "Chunk size:\t%s\n", bytesize.Format(int64(d.ChunkSize)))
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", d.Created.Local().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Modified:\t%s\n", d.Modified.Local().Format(time.RFC3339))
	if d.Hash != "" {
		_, _ = fmt.Fprintf(w, "BLAKE3:\t%s\n", d.Hash)
	}
	_, _ = fmt.Fprintf(w, "Chunks:\t%d\n", len(d.Chunks))
	for i, r := range d.Chunks {
		_, _ = fmt.Fprintf(w, "  %d\t%s\t%s\n", i, r, bytesize.Format(r.Size))
	}
	_ = w.Flush()
}

func runGC(cmd *cobra.Command, svc *fs.Service, _ []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	report, err := svc.CollectGarbage(cmd.Context(), dryRun)
	if report == nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range report.Garbage {
		_, _ = fmt.Fprintf(out, "%s\t%s\n", r, bytesize.Format(r.Size))
	}
	verb, n := "deleted", report.Deleted
	if dryRun {
		verb, n = "would delete", len(report.Garbage)
	}
	_, _ = fmt.Fprintf(out, "scanned %d objects, %s %d (%s)\n", report.Scanned, verb, n, bytesize.Format(report.Bytes))
	for _, name := range report.Skipped {
		_, _ = fmt.Fprintf(out, "skipped %s: backend cannot list\n", name)
	}
	return err
}
