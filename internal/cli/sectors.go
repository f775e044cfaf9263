package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ehrlich-b/go-qcow"
)

// chunkSectors bounds the buffer used for sector copies.
const chunkSectors = 2048

func newReadCmd(a *app) *cobra.Command {
	var (
		sector uint64
		count  uint64
		out    string
	)

	cmd := &cobra.Command{
		Use:   "read IMAGE",
		Short: "Copy sectors out of an image",
		Long: `Copy raw guest sectors out of an image.

Examples:
  qcowctl read disk.qcow --sector 0 --count 1 | xxd
  qcowctl read disk.qcow --sector 2048 --count 4096 --out part.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := a.open(args[0], false)
			if err != nil {
				return err
			}
			defer img.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return readSectors(img, w, sector, count)
		},
	}
	cmd.Flags().Uint64Var(&sector, "sector", 0, "first sector to read")
	cmd.Flags().Uint64Var(&count, "count", 1, "number of sectors to read")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func readSectors(img *qcow.Image, w io.Writer, sector, count uint64) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, chunkSectors*qcow.SectorSize)
	for count > 0 {
		n := min(count, chunkSectors)
		chunk := buf[:n*qcow.SectorSize]
		if err := img.ReadSectors(sector, chunk); err != nil {
			return err
		}
		if _, err := bw.Write(chunk); err != nil {
			return err
		}
		sector += n
		count -= n
	}
	return bw.Flush()
}

func newWriteCmd(a *app) *cobra.Command {
	var (
		sector uint64
		in     string
	)

	cmd := &cobra.Command{
		Use:   "write IMAGE",
		Short: "Copy a file into an image",
		Long: `Copy a file into an image starting at a sector. The last sector is
zero-padded.

Examples:
  qcowctl write disk.qcow --sector 0 --in mbr.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if in != "" {
				f, err := os.Open(in)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			img, err := a.open(args[0], true)
			if err != nil {
				return err
			}

			written, err := writeSectors(img, r, sector)
			if err != nil {
				img.Close()
				return err
			}
			if err := img.Close(); err != nil {
				return err
			}

			a.log.Info("wrote sectors",
				zap.String("image", args[0]),
				zap.Uint64("sector", sector),
				zap.Uint64("count", written))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&sector, "sector", 0, "first sector to write")
	cmd.Flags().StringVar(&in, "in", "", "input file (default stdin)")
	return cmd
}

// writeSectors copies r into the image and returns the number of sectors
// written.
func writeSectors(img *qcow.Image, r io.Reader, sector uint64) (uint64, error) {
	buf := make([]byte, chunkSectors*qcow.SectorSize)
	var written uint64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			padded := (n + qcow.SectorSize - 1) &^ (qcow.SectorSize - 1)
			clear(buf[n:padded])
			if werr := img.WriteSectors(sector, buf[:padded]); werr != nil {
				return written, werr
			}
			sectors := uint64(padded / qcow.SectorSize)
			sector += sectors
			written += sectors
		}
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return written, nil
		default:
			return written, fmt.Errorf("failed to read input: %w", err)
		}
	}
}
