//nolint:mnd,err113,noctx
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"al.essio.dev/pkg/shellescape"
)

// BuildCommand returns the filesystem command line of the mount.
func (mh *mountHelper) BuildCommand() []string {
	bin := mh.Type
	if mh.Binary != "" {
		bin = mh.Binary
	}

	parts := []string{bin, "mount", "--config", mh.Source}
	parts = append(parts, mh.BuildOptions()...)
	parts = append(parts, mh.Mountpoint)

	return parts
}

// BuildOptions returns the sorted filesystem flags of the mount.
func (mh *mountHelper) BuildOptions() []string {
	parts := []string{}

	if len(mh.Options) > 0 {
		keys := make([]string, 0, len(mh.Options))
		for k := range mh.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			val := mh.Options[key]
			if val == "" {
				parts = append(parts, "--"+key)
			} else {
				parts = append(parts, "--"+key, val)
			}
		}
	}

	return parts
}

func (mh *mountHelper) Execute() error {
	mh.setupEnvironment()

	cmdArgs := mh.BuildCommand()
	if _, err := exec.LookPath(cmdArgs[0]); err != nil {
		return fmt.Errorf(helpErrNotFound, cmdArgs[0])
	}

	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)

	spa := &syscall.SysProcAttr{Setsid: true}
	if mh.Setuid != "" {
		if cred, err := credentialOf(mh.Setuid); err == nil {
			spa.Credential = cred
		} else {
			safeCmdArgs := make([]string, len(cmdArgs))
			for i, arg := range cmdArgs {
				safeCmdArgs[i] = shellescape.Quote(arg)
			}
			innerCmdLine := strings.Join(safeCmdArgs, " ")
			outerCmdLine := fmt.Sprintf("su - %s -c %s", shellescape.Quote(mh.Setuid), shellescape.Quote(innerCmdLine))
			cmd = exec.Command("/bin/sh", "-c", outerCmdLine)
		}
	}
	cmd.SysProcAttr = spa

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	out := openLogFile(mh.LogFile, null)
	if out != null {
		defer out.Close()
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, out, out

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe error: %w", err)
	}
	defer r.Close()
	cmd.Env = append(os.Environ(), helperFDEnv+"=3")
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		w.Close()

		return fmt.Errorf("process error: %w", err)
	}
	_ = cmd.Process.Release()
	w.Close()

	if err := mh.waitForMount(r); err != nil {
		return fmt.Errorf("mount error: %w", err)
	}

	return nil
}

func (mh *mountHelper) setupEnvironment() {
	if mh.Setuid == "" && os.Getenv("HOME") == "" {
		os.Setenv("HOME", "/root")
	}

	currentPath := os.Getenv("PATH")
	additionalPath := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	if currentPath == "" {
		os.Setenv("PATH", additionalPath)
	} else {
		os.Setenv("PATH", currentPath+":"+additionalPath)
	}
}

// waitForMount waits for the readiness byte of the filesystem or for the
// mountpoint to appear in the mount table, whichever comes first.
func (mh *mountHelper) waitForMount(r io.Reader) error {
	signalDone := make(chan error, 1)
	go func() {
		defer close(signalDone)
		buf := make([]byte, 1)
		_, err := r.Read(buf)
		signalDone <- err
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	totalTimeout := time.After(mh.Timeout)
	for {
		select {
		case signalErr := <-signalDone:
			if signalErr == nil {
				return nil
			}
			signalDone = nil

		case <-ticker.C:
			if isMounted, _ := mh.checkMountTable(); isMounted {
				return nil
			}

		case <-totalTimeout:
			if isMounted, _ := mh.checkMountTable(); isMounted {
				return nil
			}

			return fmt.Errorf(helpErrMountTimeout, int(mh.Timeout.Seconds()), mh.LogFile)
		}
	}
}

func (mh *mountHelper) checkMountTable() (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, fmt.Errorf("cannot open /proc/self/mountinfo: %w", err)
	}
	defer f.Close()

	return mountTableContains(f, mh.Mountpoint)
}

// mountTableContains reports if a mountinfo table lists the mountpoint.
func mountTableContains(r io.Reader, mountpoint string) (bool, error) {
	want := strings.ReplaceAll(filepath.Clean(mountpoint), " ", `\040`)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 4 && fields[4] == want {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("error reading mount table: %w", err)
	}

	return false, nil
}
