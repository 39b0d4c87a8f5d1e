package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/desertwitch/lfsvfs/internal/archive"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// withMount runs fn on the selected mount and closes the session after.
func withMount(cmd *cobra.Command, opts *programOpts, fn func(s *session, inst *vfs.Instance) error) error {
	s, inst, err := opts.openMount(cmd)
	if err != nil {
		return err
	}

	ferr := fn(s, inst)
	cerr := s.Close()

	return errors.Join(ferr, cerr)
}

func mkfsCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs",
		Short: "Erase the medium and write an empty filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, m, err := opts.prepare()
			if err != nil {
				return err
			}
			level, err := opts.level()
			if err != nil {
				return err //nolint:wrapcheck
			}

			mc := *m
			mc.FormatIfMountFailed = true

			s := newSession(f, cmd.ErrOrStderr(), level)
			defer s.Close() //nolint:errcheck

			sinst, err := s.create(&mc)
			if err != nil {
				return err
			}
			if err := s.store.Format(sinst.FS); err != nil {
				return fmt.Errorf("failed to format %q: %w", mc.Label, err)
			}

			geo := sinst.Device().Geometry()
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s (%s, %d blocks of %s)\n",
				mc.Label, sinst.Medium.Kind, geo.BlockCount, humanize.IBytes(uint64(geo.BlockSize)))

			return nil
		},
	}
}

func infoCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the capacity and the configuration of the medium",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMount(cmd, opts, func(s *session, inst *vfs.Instance) error {
				total, used, err := inst.Info()
				if err != nil {
					return err //nolint:wrapcheck
				}

				cfg := inst.FS().Config()
				conf := inst.Config()
				out := cmd.OutOrStdout()

				fmt.Fprintf(out, "label:       %s\n", inst.Label())
				if sinst, ok := s.store.Lookup(inst.FS()); ok {
					fmt.Fprintf(out, "medium:      %s\n", sinst.Medium.Kind)
				}
				fmt.Fprintf(out, "volume:      %s\n", inst.FS().VolumeID())
				fmt.Fprintf(out, "mount point: %s\n", inst.MountPoint())
				fmt.Fprintf(out, "blocks:      %d x %s\n", cfg.BlockCount, humanize.IBytes(uint64(cfg.BlockSize)))
				fmt.Fprintf(out, "capacity:    %s of %s used\n", humanize.IBytes(used), humanize.IBytes(total))
				fmt.Fprintf(out, "max files:   %d\n", conf.MaxFiles)
				fmt.Fprintf(out, "dircompat:   %t\n", conf.DirCompat)
				fmt.Fprintf(out, "mtime:       %t (%s)\n", conf.UseMtime, conf.MtimeMode)

				return nil
			})
		},
	}
}

func lsCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory of the medium",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) > 0 {
				dir = args[0]
			}

			return withMount(cmd, opts, func(_ *session, inst *vfs.Instance) error {
				return listDir(cmd.OutOrStdout(), inst, dir)
			})
		},
	}
}

func listDir(out io.Writer, inst *vfs.Instance, dir string) error {
	d, err := inst.Opendir(dir)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer d.Closedir() //nolint:errcheck

	var ents []vfs.Dirent
	for {
		ent, err := d.Readdir()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err //nolint:wrapcheck
		}
		ents = append(ents, ent)
	}

	slices.SortFunc(ents, func(a, b vfs.Dirent) int {
		return strings.Compare(a.Name, b.Name)
	})

	for _, ent := range ents {
		if ent.Type == lfs.TypeDir {
			fmt.Fprintf(out, "d %10s %s/\n", "-", ent.Name)
		} else {
			fmt.Fprintf(out, "f %10d %s\n", ent.Size, ent.Name)
		}
	}

	return nil
}

func catCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>...",
		Short: "Print files of the medium to standard output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMount(cmd, opts, func(_ *session, inst *vfs.Instance) error {
				for _, p := range args {
					if _, err := archive.CopyOut(cmd.OutOrStdout(), inst, p); err != nil {
						return err //nolint:wrapcheck
					}
				}

				return nil
			})
		},
	}
}

func putCmd(opts *programOpts) *cobra.Command {
	var argParents bool

	cmd := &cobra.Command{
		Use:   "put <local-file|-> <path>",
		Short: "Copy a local file (or standard input) onto the medium",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open local file: %w", err)
				}
				defer f.Close()
				r = f
			}

			return withMount(cmd, opts, func(_ *session, inst *vfs.Instance) error {
				if argParents {
					if err := archive.MkdirAll(inst, path.Dir(args[1])); err != nil {
						return err //nolint:wrapcheck
					}
				}
				_, err := archive.CopyIn(inst, args[1], r)

				return err //nolint:wrapcheck
			})
		},
	}
	cmd.Flags().BoolVarP(&argParents, "parents", "p", false, "Create missing parent directories")

	return cmd
}

func rmCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>...",
		Short: "Remove files and empty directories of the medium",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMount(cmd, opts, func(_ *session, inst *vfs.Instance) error {
				for _, p := range args {
					st, err := inst.Stat(p)
					if err != nil {
						return err //nolint:wrapcheck
					}
					if st.IsDir() {
						err = inst.Rmdir(p)
					} else {
						err = inst.Unlink(p)
					}
					if err != nil {
						return err //nolint:wrapcheck
					}
				}

				return nil
			})
		},
	}
}

func mkdirCmd(opts *programOpts) *cobra.Command {
	var argParents bool

	cmd := &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Create directories on the medium",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMount(cmd, opts, func(_ *session, inst *vfs.Instance) error {
				for _, p := range args {
					var err error
					if argParents {
						err = archive.MkdirAll(inst, p)
					} else {
						err = inst.Mkdir(p)
					}
					if err != nil {
						return err //nolint:wrapcheck
					}
				}

				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&argParents, "parents", "p", false, "Create missing parent directories, existing ones are no error")

	return cmd
}

func mvCmd(opts *programOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dst>",
		Short: "Rename a file or directory of the medium",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMount(cmd, opts, func(_ *session, inst *vfs.Instance) error {
				return inst.Rename(args[0], args[1]) //nolint:wrapcheck
			})
		},
	}
}
