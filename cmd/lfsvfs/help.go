package main

const (
	helpTextUse = "lfsvfs"

	helpTextShort = "a littlefs toolbox and FUSE filesystem for flash, SD card and RAM media"

	helpTextLong = `lfsvfs mounts littlefs media (flash partition images, SD card images and
RAM regions) and gives access to them through a path based virtual filesystem
layer. Media are described either by the --config file, selecting one of its
mounts with --label, or directly with the medium flags.

The file commands (ls, cat, put, rm, mkdir, mv) work on the paths of the
medium, the archive commands (export, import) convert whole trees to and from
zip archives and the image commands (snapshot, restore) copy the raw blocks of
a medium into and out of a zstd compressed snapshot.

The "mount" command publishes a medium on the host through FUSE, the "serve"
command mounts all media of the configuration file for the dashboard only.

When mounted or served, the following OS signals are observed at runtime:
- SIGTERM/SIGINT for gracefully unmounting the media
- SIGUSR1 for forcing a garbage collection run within Go
- SIGUSR2 for printing a stack trace to standard error (stderr)

When enabled, the diagnostics dashboard exposes the following routes:
- "/" for the mount dashboard and event ring-buffer
- "/metrics.json" for the metrics of all mounts as JSON
- "/mounts/<label>.json" for the metrics of one mount as JSON
- "/gc" for forcing of a garbage collection (within Go)
- "/reset" for resetting the mount and device metrics at runtime
- "/logs/reset" for clearing the event ring-buffer`

	helpTextMount = `Mounts the selected medium at the given host directory through FUSE and
serves it until it is unmounted, either externally or by a SIGTERM/SIGINT.

When started by the mount.lfsvfs helper, readiness of the mount is reported
through the file descriptor named in the LFSVFS_HELPER_FD environment variable.`

	helpTextServe = `Mounts every medium of the configuration file and serves the diagnostics
dashboard for them until a SIGTERM/SIGINT is received.`
)
