package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check IMAGE",
		Short: "Verify L1/L2 metadata",
		Long: `Walk the L1 and L2 tables and report misaligned tables, clusters
past the end of the file and clusters referenced twice. Exits with
status 1 if the image is not clean. Nothing is repaired.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := a.open(args[0], false)
			if err != nil {
				return err
			}
			defer img.Close()

			result, err := img.Check()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, msg := range result.Errors {
				fmt.Fprintf(w, "ERROR %s\n", msg)
			}
			fmt.Fprintf(w, "%d L2 tables, %d allocated, %d compressed, %d fragmented clusters\n",
				result.L2Tables, result.AllocatedClusters, result.CompressedClusters, result.FragmentedClusters)
			fmt.Fprintf(w, "Image end offset: %d\n", result.ImageEnd)

			if !result.IsClean() {
				fmt.Fprintf(w, "%d corruptions found\n", result.Corruptions)
				return errNotClean
			}
			fmt.Fprintln(w, "No errors were found on the image.")
			return nil
		},
	}
}
