package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

var errNotPositive = errors.New("not a positive amount of seconds")

// credentialOf returns the process credential of the setuid option.
// A numeric user unknown to the user database runs with the same group.
func credentialOf(name string) (*syscall.Credential, error) {
	var (
		u   *user.User
		err error
	)
	if uid, perr := strconv.ParseUint(name, 10, 32); perr == nil {
		u, err = user.LookupId(name)
		if err != nil {
			return &syscall.Credential{Uid: uint32(uid), Gid: uint32(uid)}, nil
		}
	} else if u, err = user.Lookup(name); err != nil {
		return nil, fmt.Errorf("unknown user %q: %w", name, err)
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q has uid %q: %w", name, u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q has gid %q: %w", name, u.Gid, err)
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// parseTimeout parses the seconds of the xtim option.
func parseTimeout(val string) (time.Duration, error) {
	secs, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("option xtim=%s: %w", val, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("option xtim=%s: %w", val, errNotPositive)
	}

	return time.Duration(secs) * time.Second, nil
}

// openLogFile opens the log of the started lfsvfs for appending. The
// fallback is returned when it cannot be written.
func openLogFile(path string, fallback *os.File) *os.File {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:mnd
	if err != nil {
		fmt.Fprintf(os.Stderr, "mount.lfsvfs: cannot write log %q, discarding the lfsvfs output: %v\n", path, err)

		return fallback
	}

	return f
}
