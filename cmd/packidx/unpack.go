package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/workpool"
)

var unpackEntries []string

func init() {
	unpackCmd.Flags().StringArrayVar(&unpackEntries, "entry", nil, "Only unpack the named entries, repeatable")
	root.AddCommand(unpackCmd)
}

var unpackCmd = &cobra.Command{
	Use:   "unpack target dir",
	Short: "Extract entries into a directory",
	Long: `Extract entries from a packed file into dir, one local file per
entry. Every file is checksum verified; a file that fails verification
is removed again. By default all entries are extracted, --entry
restricts the set.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dir := args[1]
		if err := os.MkdirAll(dir, 0777); err != nil {
			return fmt.Errorf("failed to create %q: %w", dir, err)
		}

		wp := workpool.New(transfers)
		defer wp.Close()
		r, closer, err := openTarget(ctx, args[0], pack.ReaderOptions{Pool: wp.High()})
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()

		names := unpackEntries
		if len(names) == 0 {
			names = r.EntryNames()
		}
		pairs := make([]pack.EntryFile, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, pack.EntryFile{
				Name: name,
				Path: filepath.Join(dir, name),
			})
		}
		if err := r.ReadEntriesToFiles(ctx, pairs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unpacked %d entries to %s\n", len(pairs), dir)
		return nil
	},
}
