/*
lfsvfs is a toolbox and FUSE filesystem for littlefs media. It mounts flash
partition images, SD card images and RAM regions through a path based virtual
filesystem layer, which bounds the open files of every mount, can emulate
directories for flat applications and keeps modification times as file
attributes. It includes a HTTP dashboard for the mount and device metrics.

The following signals are observed by the "mount" and "serve" commands:
  - SIGTERM or SIGINT (CTRL+C) gracefully unmounts the media
  - SIGUSR1 forces a garbage collection (within Go)
  - SIGUSR2 dumps a diagnostic stacktrace to standard error (stderr)

When enabled, the diagnostics server exposes the following routes over HTTP:
  - "/" for the mount dashboard and event ring-buffer
  - "/metrics.json" and "/mounts/<label>.json" for the metrics as JSON
  - "/gc" for forcing of a garbage collection (within Go)
  - "/reset" for resetting the mount and device metrics at runtime
  - "/logs/reset" for clearing the event ring-buffer
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the program version (set with -ldflags at build time).
var Version string

func rootCmd() *cobra.Command {
	opts := &programOpts{}

	cmd := &cobra.Command{
		Use:           helpTextUse,
		Short:         helpTextShort,
		Long:          helpTextLong,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	opts.bindFlags(cmd)

	cmd.AddCommand(
		mkfsCmd(opts),
		infoCmd(opts),
		lsCmd(opts),
		catCmd(opts),
		putCmd(opts),
		rmCmd(opts),
		mkdirCmd(opts),
		mvCmd(opts),
		exportCmd(opts),
		importCmd(opts),
		snapshotCmd(opts),
		restoreCmd(opts),
		mountCmd(opts),
		serveCmd(opts),
	)

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
