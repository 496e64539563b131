package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/pack/crc"
)

var lsLong bool

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "Also print size and checksum")
	root.AddCommand(lsCmd)
}

var lsCmd = &cobra.Command{
	Use:   "ls target",
	Short: "List the entries in a packed file",
	Long: `List the entry names in a packed file, one per line. A local
directory target is resolved to the single packed file inside it. With
-l each line also carries the entry size and CRC-32.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, closer, err := openTarget(cmd.Context(), args[0], pack.ReaderOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()
		for _, name := range r.EntryNames() {
			if !lsLong {
				fmt.Fprintln(cmd.OutOrStdout(), name)
				continue
			}
			e, _ := r.Entry(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%9d %s %s\n", e.Size, crc.FormatHex(e.CRC), name)
		}
		return nil
	},
}
