package main

import (
	"github.com/spf13/cobra"

	"github.com/packidx/packidx/pack"
)

func init() {
	root.AddCommand(catCmd)
}

var catCmd = &cobra.Command{
	Use:   "cat target entry",
	Short: "Print one entry to stdout",
	Long: `Read the named entry out of a packed file, verify its checksum and
write the plaintext to stdout.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, closer, err := openTarget(cmd.Context(), args[0], pack.ReaderOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()
		data, err := r.ReadEntry(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
