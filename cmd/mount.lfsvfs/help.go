package main

const (
	helpTextLong = `%s (%s) - starts lfsvfs for mount(8) and /etc/fstab

mount(8) runs this helper for filesystems of type "lfsvfs". It starts
the lfsvfs binary in the background and returns once the filesystem
reports readiness on its inherited descriptor or the mountpoint shows
up in /proc/self/mountinfo.

Usage:
  %s CONFIG MOUNTPOINT [-o OPTION[,OPTION...]]
  %s CONFIG MOUNTPOINT -o setuid=USER[,OPTION...]

An fstab line:
  /etc/lfsvfs.yaml  /mnt/lfs  lfsvfs  label=lfs,allow_other,webaddr=127.0.0.1:8000  0  0

Options handled by the helper:
  setuid=USER   start lfsvfs as USER (name or numeric uid)
  xbin=PATH     lfsvfs binary to start instead of the one in $PATH
  xlog=PATH     file receiving the lfsvfs output
  xtim=SECS     seconds to wait for the mount to become ready

Every other option is handed to lfsvfs as a flag:
  label=NAME, read_only, allow_other, attr_ttl=DUR,
  webaddr=ADDR, log_level=LEVEL, verbose
  (e.g. read_only,attr_ttl=5s => --read-only --attr-ttl 5s)

Helper errors go to stderr, lfsvfs writes its log to %q.`

	helpErrNotFound = `mount.lfsvfs: no %s binary in any $PATH directory.
Name the binary with the xbin=PATH mount option.`

	helpErrMountTimeout = `mount.lfsvfs: the filesystem was not ready after %d seconds.
Look into %q for the reason, or allow more time with xtim=SECS.`
)
