package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/pack/crc"
)

func init() {
	root.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info target",
	Short: "Describe a packed file",
	Long: `Print a summary of a packed file: overall size, whether it is
encrypted, its entry table and its metadata.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, closer, err := openTarget(ctx, args[0], pack.ReaderOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "file:      %s\n", args[0])
		fmt.Fprintf(out, "size:      %d\n", r.Size())
		fmt.Fprintf(out, "encrypted: %v\n", r.Encrypted())
		if r.Encrypted() {
			fmt.Fprintf(out, "slice:     %d\n", r.SliceSize())
		}

		names := r.EntryNames()
		fmt.Fprintf(out, "entries:   %d\n", len(names))
		for _, name := range names {
			e, _ := r.Entry(name)
			fmt.Fprintf(out, "  %9d %s %s\n", e.Size, crc.FormatHex(e.CRC), name)
		}

		meta, err := r.Meta(ctx)
		if err != nil {
			return err
		}
		buf, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "meta:      %s\n", buf)
		return nil
	},
}
