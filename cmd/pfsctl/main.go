// pfsctl inspects and manipulates pfs flash images on the host. The
// image file emulates NOR semantics, so anything pfsctl writes is
// byte-identical to what a device would produce.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pebblefs/pfs"
)

var (
	imagePath string
	imageSize uint32
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:           "pfsctl",
		Short:         "inspect and manipulate pfs flash images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&imagePath, "image", "pfs.img", "flash image file")
	root.PersistentFlags().Uint32Var(&imageSize, "size", 4*1024*1024, "flash size in bytes")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log file system internals")

	root.AddCommand(formatCmd(), lsCmd(), dfCmd(), headersCmd(), rmCmd(), catCmd(), putCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pfsctl:", err)
		os.Exit(1)
	}
}

// withFS opens the image, mounts (or formats) the file system and runs fn.
func withFS(format bool, fn func(fs *pfs.FS) error) error {
	flash, err := pfs.OpenFileFlash(imagePath, imageSize)
	if err != nil {
		return err
	}
	defer flash.Close()

	opts := []pfs.Option{}
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer log.Sync()
		opts = append(opts, pfs.WithLogger(log))
	}

	fs, err := pfs.New(flash, []pfs.Region{{Start: 0, End: imageSize}}, opts...)
	if err != nil {
		return err
	}
	if format {
		if err := fs.Format(true); err != nil {
			return err
		}
	} else if err := fs.Mount(false); err != nil {
		return err
	}
	if err := fn(fs); err != nil {
		return err
	}
	return flash.Sync()
}

func formatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "erase the image and write an empty file system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(true, func(fs *pfs.FS) error {
				fmt.Printf("formatted %s (%d bytes)\n", imagePath, fs.Size())
				return nil
			})
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "list files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(false, func(fs *pfs.FS) error {
				infos, err := fs.ListFiles(nil)
				if err != nil {
					return err
				}
				for _, info := range infos {
					fmt.Printf("%8d  %02x  %s  %s\n", info.Size, uint8(info.Type), info.UUID, info.Name)
				}
				return nil
			})
		},
	}
}

func dfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "show capacity and available space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(false, func(fs *pfs.FS) error {
				avail, err := fs.AvailableSpace()
				if err != nil {
					return err
				}
				total := fs.Size()
				fmt.Printf("%-10s %10s %10s\n", "image", "size", "avail")
				fmt.Printf("%-10s %10d %10d\n", imagePath, total, avail)
				return nil
			})
		},
	}
}

func headersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "headers",
		Short: "dump raw page headers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(false, func(fs *pfs.FS) error {
				return fs.DumpPageHeaders(os.Stdout)
			})
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "remove a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(false, func(fs *pfs.FS) error {
				return fs.Remove(args[0])
			})
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <name>",
		Short: "write a file's contents to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(false, func(fs *pfs.FS) error {
				fd, err := fs.Open(args[0], pfs.OpenRead, pfs.FileTypeStatic, 0)
				if err != nil {
					return err
				}
				defer fs.Close(fd)

				size, err := fs.FileSize(fd)
				if err != nil {
					return err
				}
				buf := make([]byte, 4096)
				for size > 0 {
					n, err := fs.Read(fd, buf)
					if err != nil {
						return err
					}
					if _, err := os.Stdout.Write(buf[:n]); err != nil {
						return err
					}
					size -= uint32(n)
				}
				return nil
			})
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <name>",
		Short: "create a file from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			return withFS(false, func(fs *pfs.FS) error {
				fd, err := fs.Open(args[0], pfs.OpenOverwrite, pfs.FileTypeStatic, uint32(len(data)))
				if errors.Is(err, pfs.ErrDoesNotExist) {
					fd, err = fs.Open(args[0], pfs.OpenWrite, pfs.FileTypeStatic, uint32(len(data)))
				}
				if err != nil {
					return err
				}
				if _, err := fs.Write(fd, data); err != nil {
					fs.CloseAndRemove(fd)
					return err
				}
				return fs.Close(fd)
			})
		},
	}
}
