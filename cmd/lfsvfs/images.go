package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/desertwitch/lfsvfs/internal/archive"
	"github.com/desertwitch/lfsvfs/internal/storage"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func exportCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "export <zip-file|-> [path]",
		Short: "Write a tree of the medium into a zip archive",
		Args:  cobra.RangeArgs(1, 2), //nolint:mnd
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "/"
			if len(args) > 1 {
				root = args[1]
			}

			return withMount(cmd, opts, func(s *session, inst *vfs.Instance) error {
				w := cmd.OutOrStdout()
				if args[0] != "-" {
					f, err := os.Create(args[0])
					if err != nil {
						return fmt.Errorf("failed to create archive: %w", err)
					}
					defer f.Close()
					w = f
				}

				_, err := archive.Export(w, inst, root, s.log)

				return err //nolint:wrapcheck
			})
		},
	}
}

func importCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "import <zip-file> [path]",
		Short: "Extract a zip archive onto the medium",
		Args:  cobra.RangeArgs(1, 2), //nolint:mnd
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "/"
			if len(args) > 1 {
				root = args[1]
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer f.Close()

			st, err := f.Stat()
			if err != nil {
				return fmt.Errorf("failed to stat archive: %w", err)
			}

			return withMount(cmd, opts, func(s *session, inst *vfs.Instance) error {
				stats, err := archive.Import(f, st.Size(), inst, root, s.log)
				if err != nil {
					return err //nolint:wrapcheck
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d files and %d directories (%s)\n",
					stats.Files, stats.Dirs, humanize.IBytes(uint64(max(stats.Bytes, 0))))

				return nil
			})
		},
	}
}

func snapshotCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <file|->",
		Short: "Write the raw blocks of the medium into a zstd compressed snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMedium(cmd, opts, false, func(s *session, sinst *storage.Instance) error {
				w := cmd.OutOrStdout()
				if args[0] != "-" {
					f, err := os.Create(args[0])
					if err != nil {
						return fmt.Errorf("failed to create snapshot: %w", err)
					}
					defer f.Close()
					w = f
				}

				n, err := archive.Snapshot(w, sinst.Device())
				if err != nil {
					return err //nolint:wrapcheck
				}
				s.log.WithField("bytes", n).Info("wrote snapshot")

				return nil
			})
		},
	}
}

func restoreCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file|->",
		Short: "Overwrite the medium with the raw blocks of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open snapshot: %w", err)
				}
				defer f.Close()
				r = f
			}

			return withMedium(cmd, opts, true, func(s *session, sinst *storage.Instance) error {
				if err := sinst.FS.Unmount(); err != nil {
					return fmt.Errorf("failed to unmount: %w", err)
				}

				n, err := archive.Restore(r, sinst.Device())
				if err != nil {
					return err //nolint:wrapcheck
				}

				if err := sinst.FS.Mount(); err != nil {
					return fmt.Errorf("restored snapshot does not mount: %w", err)
				}
				s.log.WithField("bytes", n).Info("restored snapshot")
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", humanize.IBytes(uint64(max(n, 0))))

				return nil
			})
		},
	}
}

// withMedium runs fn on the engine of the selected medium, without
// mounting it on the registry. A forced format makes blank media usable.
func withMedium(cmd *cobra.Command, opts *programOpts, format bool, fn func(s *session, sinst *storage.Instance) error) error {
	f, m, err := opts.prepare()
	if err != nil {
		return err
	}
	level, err := opts.level()
	if err != nil {
		return err //nolint:wrapcheck
	}

	mc := *m
	mc.FormatIfMountFailed = mc.FormatIfMountFailed || format

	s := newSession(f, cmd.ErrOrStderr(), level)

	sinst, err := s.create(&mc)
	if err != nil {
		_ = s.Close()

		return err
	}

	ferr := fn(s, sinst)
	cerr := s.Close()

	return errors.Join(ferr, cerr)
}
