package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/workpool"
)

var (
	indexType  string
	metaFields []string
	sliceSize  int64
	chunkSize  int64
	window     int
	stagingDir string
)

func init() {
	flags := packCmd.Flags()
	flags.StringVar(&indexType, "index-type", "generic", "Index type tag stored in the meta entry")
	flags.StringArrayVar(&metaFields, "meta", nil, "Extra meta fields as key=value, repeatable")
	flags.Int64Var(&sliceSize, "slice-size", pack.DefaultSliceSize, "Plaintext slice size for encrypted files")
	flags.Int64Var(&chunkSize, "chunk-size", pack.DefaultChunkSize, "Streaming buffer size")
	flags.IntVar(&window, "window", pack.DefaultEncryptWindow, "Encryption tasks kept in flight")
	flags.StringVar(&stagingDir, "staging-dir", "", "Where encrypted files are staged before upload")
	root.AddCommand(packCmd)
}

var packCmd = &cobra.Command{
	Use:   "pack dest file...",
	Short: "Build a packed index file from local files",
	Long: `Build a packed index file at dest from the given local files, one
entry per file named after its base name. A dest ending in / gets the
canonical file name for --index-type appended. Giving --password
produces an encrypted file.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dest := args[0]
		if strings.HasSuffix(dest, "/") {
			dest += pack.FileName(indexType)
		}
		t, err := parseTarget(dest)
		if err != nil {
			return err
		}
		key, err := keySource()
		if err != nil {
			return err
		}
		meta, err := buildMeta()
		if err != nil {
			return err
		}

		wp := workpool.New(transfers)
		defer wp.Close()
		out, err := t.output(ctx)
		if err != nil {
			return err
		}
		finished := false
		defer func() {
			if !finished {
				_ = out.Abort()
			}
		}()
		w, err := pack.NewWriter(ctx, out, pack.WriterOptions{
			Key:        key,
			Pool:       wp.Low(),
			SliceSize:  sliceSize,
			ChunkSize:  chunkSize,
			Window:     window,
			StagingDir: stagingDir,
			Transfers:  transfers,
		})
		if err != nil {
			return err
		}
		for _, path := range args[1:] {
			if err := writeFileEntry(cmd, w, path); err != nil {
				return err
			}
		}
		if err := w.SetMeta(meta); err != nil {
			return err
		}
		if err := w.Finish(ctx); err != nil {
			return err
		}
		finished = true
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", t, w.BytesWritten())
		return nil
	},
}

func writeFileEntry(cmd *cobra.Command, w pack.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return w.WriteEntryFrom(cmd.Context(), filepath.Base(path), f)
}

func buildMeta() (pack.Meta, error) {
	opts := []pack.MetaOption{pack.WithBuildID("")}
	for _, kv := range metaFields {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", kv)
		}
		opts = append(opts, pack.WithField(k, v))
	}
	return pack.NewMeta(indexType, opts...), nil
}
