/*
mount.lfsvfs - FUSE mount helper

This program is a helper for the mount/fstab mechanism.
It is normally located in /sbin or another directory
searched by mount(8) for filesystem helpers, and is
not intended to be invoked directly by end users.

Usage:

	mount.lfsvfs config-file mountpoint [-o key[=value],key[=value],...]

The source of the mount is the configuration file of the media, the
label option selects one of its mounts. The filesystem is started as
"lfsvfs mount" in its own session and the helper returns as soon as the
filesystem reports the mount as ready (or it appears in the mount table).

Example (fstab entry):

	/etc/lfsvfs.yaml   /mnt/data   lfsvfs   label=data,allow_other   0  0

Mount helper events are logged to standard error (stderr).
Filesystem events are logged to '/var/log/lfsvfs.log' (if writeable).
*/
//nolint:mnd,err113
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultBinary  = "lfsvfs"
	defaultLog     = "/var/log/lfsvfs.log"
	defaultTimeout = 20 * time.Second
	helperFDEnv    = "LFSVFS_HELPER_FD"
)

var (
	// Version is the program version (set with -ldflags at build time).
	Version string

	// allowedKeys are the options passed on to "lfsvfs mount".
	allowedKeys = map[string]struct{}{
		"allow-other": {},
		"attr-ttl":    {},
		"label":       {},
		"log-level":   {},
		"read-only":   {},
		"verbose":     {},
		"webaddr":     {},
	}
)

type mountHelper struct {
	Program    string
	Type       string
	Source     string
	Mountpoint string
	Options    map[string]string

	Setuid  string
	Binary  string
	LogFile string
	Timeout time.Duration
}

func newMountHelper(args []string) (*mountHelper, error) {
	if len(args) < 3 {
		return nil, errors.New("need a source and a mountpoint argument")
	}

	mh := &mountHelper{
		Program:    args[0],
		Source:     args[1],
		Type:       defaultBinary,
		Mountpoint: args[2],
		Options:    make(map[string]string),
		LogFile:    defaultLog,
		Timeout:    defaultTimeout,
	}

	if mh.Source == "" {
		return nil, errors.New("no source argument was given")
	}
	if mh.Mountpoint == "" {
		return nil, errors.New("no mountpoint argument was given")
	}

	basename := filepath.Base(mh.Program)
	if after, ok := strings.CutPrefix(basename, "mount.fuse."); ok {
		mh.Type = after
	} else if after0, ok0 := strings.CutPrefix(basename, "mount.fuseblk."); ok0 {
		mh.Type = after0
	}

	if err := mh.parseOptions(args[3:]); err != nil {
		return nil, fmt.Errorf("failed to parse options: %w", err)
	}

	if mh.Type == "" {
		if err := mh.deriveTypeFromSource(); err != nil {
			return nil, fmt.Errorf("failed to derive fs type: %w", err)
		}
	}

	return mh, nil
}

func (mh *mountHelper) parseOptions(args []string) error {
	for i := 0; i < len(args); i++ { //nolint:intrange
		arg := args[i]

		if arg == "-v" || arg == "-o" {
			continue
		}

		if arg == "-t" {
			if err := mh.deriveTypeFromArg(&i, args); err != nil {
				return fmt.Errorf("failed to derive type: %w", err)
			}

			continue
		}

		for _, opt := range strings.Split(arg, ",") {
			if opt == "" {
				continue
			}
			opt = strings.TrimPrefix(opt, "--")

			key, val, hasVal := strings.Cut(opt, "=")
			key = strings.ReplaceAll(key, "_", "-")

			if err := mh.setOption(key, val, hasVal); err != nil {
				return err
			}
		}
	}

	return nil
}

// setOption stores a helper option or an allowed filesystem option,
// all other options are ignored.
func (mh *mountHelper) setOption(key, val string, hasVal bool) error {
	switch key {
	case "setuid":
		mh.Setuid = val

	case "xbin":
		if val == "" {
			return errors.New("empty value to option 'xbin'")
		}
		mh.Binary = val

	case "xlog":
		if val == "" {
			return errors.New("empty value to option 'xlog'")
		}
		mh.LogFile = val

	case "xtim":
		d, err := parseTimeout(val)
		if err != nil {
			return err
		}
		mh.Timeout = d

	default:
		if _, ok := allowedKeys[key]; !ok {
			return nil
		}
		if hasVal {
			mh.Options[key] = val
		} else {
			mh.Options[key] = ""
		}
	}

	return nil
}

func (mh *mountHelper) deriveTypeFromArg(i *int, args []string) error {
	*i++
	if *i >= len(args) {
		return errors.New("missing value to argument '-t'")
	}
	t := args[*i]
	if after, ok := strings.CutPrefix(t, "fuse."); ok {
		t = after
	} else if after0, ok0 := strings.CutPrefix(t, "fuseblk."); ok0 {
		t = after0
	}
	if t == "" {
		return errors.New("missing value to argument '-t'")
	}
	mh.Type = t

	return nil
}

func (mh *mountHelper) deriveTypeFromSource() error {
	typ, src, ok := strings.Cut(mh.Source, "#")
	if !ok {
		return errors.New("source argument is not in format 'type#source'")
	}
	if typ == "" {
		return errors.New("empty type before '#' in source argument")
	}
	if src == "" {
		return errors.New("empty source after '#' in source argument")
	}
	mh.Type, mh.Source = typ, src

	return nil
}

func main() {
	if len(os.Args) < 3 {
		progName := filepath.Base(os.Args[0])
		fmt.Fprintf(os.Stderr, helpTextLong+"\n", progName, Version, progName, progName, defaultLog)
		os.Exit(1)
	}

	helper, err := newMountHelper(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := helper.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
