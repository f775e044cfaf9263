package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/dsnet/compress/bzip2"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/ehrlich-b/go-qcow"
)

func newExportCmd(a *app) *cobra.Command {
	var compress string

	cmd := &cobra.Command{
		Use:   "export IMAGE OUT",
		Short: "Write the virtual disk as a raw file",
		Long: `Write every addressable sector of the image to OUT as raw bytes,
optionally compressed. Unallocated clusters are written as zeros.

Examples:
  qcowctl export disk.qcow disk.raw
  qcowctl export disk.qcow disk.raw.xz --compress xz`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := a.open(args[0], false)
			if err != nil {
				return err
			}
			defer img.Close()

			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if err := exportImage(img, f, compress); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			stats := img.CacheStats()
			a.log.Info("exported image",
				zap.String("image", args[0]),
				zap.String("out", args[1]),
				zap.String("compress", compress),
				zap.Uint64("sectors", img.Sectors()),
				zap.Uint64("l2_misses", stats.Misses))
			return nil
		},
	}
	cmd.Flags().StringVar(&compress, "compress", "none", "output compression: none, xz or bzip2")
	return cmd
}

// exportImage streams the guest disk to w through the chosen compressor.
func exportImage(img *qcow.Image, w io.Writer, compress string) error {
	var (
		out io.WriteCloser
		err error
	)
	switch compress {
	case "none", "":
		out = nopWriteCloser{w}
	case "xz":
		out, err = xz.NewWriter(w)
	case "bzip2":
		out, err = bzip2.NewWriter(w, nil)
	default:
		return fmt.Errorf("unknown compression %q (want none, xz or bzip2)", compress)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s writer: %w", compress, err)
	}

	if err := readSectors(img, out, 0, img.Sectors()); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to finish %s stream: %w", compress, err)
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
