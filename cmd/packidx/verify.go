package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/workpool"
)

func init() {
	root.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify target",
	Short: "Check every entry against its stored checksum",
	Long: `Read every entry of a packed file, including the meta entry, and
check it against the checksum recorded in the directory table. Exits
non zero if any entry fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wp := workpool.New(transfers)
		defer wp.Close()
		r, closer, err := openTarget(ctx, args[0], pack.ReaderOptions{Pool: wp.High()})
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()

		if _, err := r.Meta(ctx); err != nil {
			return fmt.Errorf("meta entry: %w", err)
		}
		bad := 0
		for _, name := range r.EntryNames() {
			if _, err := r.ReadEntry(ctx, name); err != nil {
				bad++
				fmt.Fprintf(cmd.OutOrStdout(), "FAILED %s: %v\n", name, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK     %s\n", name)
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d entries failed verification", bad, len(r.EntryNames()))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "all %d entries verified\n", len(r.EntryNames()))
		return nil
	},
}
