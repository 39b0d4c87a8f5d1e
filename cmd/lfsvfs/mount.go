package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/desertwitch/lfsvfs/internal/fusefs"
	"github.com/desertwitch/lfsvfs/internal/webserver"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	stackTraceBuffer = 1 << 24
	helperFDEnv      = "LFSVFS_HELPER_FD"
)

var errNoDashboard = errors.New("need a dashboard address (--webaddr or dashboard in the configuration)")

type mountOpts struct {
	allowOther       bool
	readOnly         bool
	attrTTL          time.Duration
	dashboardAddress string
}

func mountCmd(opts *programOpts) *cobra.Command {
	var mopts mountOpts

	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the medium on the host through FUSE",
		Long:  helpTextMount,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd, opts, mopts, args[0])
		},
	}
	cmd.Flags().BoolVar(&mopts.allowOther, "allow-other", false, "Allow users other than the mounting one to access the mount")
	cmd.Flags().BoolVar(&mopts.readOnly, "read-only", false, "Mount the medium read-only")
	cmd.Flags().DurationVar(&mopts.attrTTL, "attr-ttl", time.Second, "Lifetime of cached file attributes")
	cmd.Flags().StringVarP(&mopts.dashboardAddress, "webaddr", "w", "", "Address to serve the diagnostics dashboard on (e.g. :8000; but disabled when empty)")

	return cmd
}

func runMount(cmd *cobra.Command, opts *programOpts, mopts mountOpts, dir string) error {
	f, m, err := opts.prepare()
	if err != nil {
		return err
	}
	level, err := opts.level()
	if err != nil {
		return err //nolint:wrapcheck
	}

	mc := *m
	mc.ReadOnly = mc.ReadOnly || mopts.readOnly

	s := newSession(f, cmd.ErrOrStderr(), level)
	defer func() {
		if err := s.Close(); err != nil {
			s.log.WithError(err).Error("failed to release the media")
		}
	}()

	inst, err := s.mount(&mc)
	if err != nil {
		return err
	}

	fopts := fusefs.DefaultOptions()
	fopts.AttrTTL = mopts.attrTTL

	fsys, err := fusefs.NewFS(inst, fopts, s.log)
	if err != nil {
		return err //nolint:wrapcheck
	}

	addr := mopts.dashboardAddress
	if addr == "" {
		addr = f.Dashboard
	}
	if addr != "" {
		srv, err := startDashboard(s, addr)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	handleSignals(cancel, s.log)

	return fsys.Serve(ctx, dir, fusefs.MountOptions{ //nolint:wrapcheck
		AllowOther: mopts.allowOther,
		Ready:      func() { notifyHelper(s.log) },
	})
}

func serveCmd(opts *programOpts) *cobra.Command {
	var argDashAddress string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Mount all media of the configuration file for the dashboard",
		Long:  helpTextServe,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.configFile == "" {
				return errNeedConfig
			}

			f, err := opts.loadConfig()
			if err != nil {
				return err
			}
			level, err := opts.level()
			if err != nil {
				return err //nolint:wrapcheck
			}

			addr := argDashAddress
			if addr == "" {
				addr = f.Dashboard
			}
			if addr == "" {
				return errNoDashboard
			}

			s := newSession(f, cmd.ErrOrStderr(), level)
			defer s.Close() //nolint:errcheck

			for i := range f.Mounts {
				if _, err := s.mount(&f.Mounts[i]); err != nil {
					return err
				}
			}

			srv, err := startDashboard(s, addr)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			handleSignals(cancel, s.log)

			<-ctx.Done()
			s.log.Info("shutting down")

			return nil
		},
	}
	cmd.Flags().StringVarP(&argDashAddress, "webaddr", "w", "", "Address to serve the diagnostics dashboard on (overrides the configuration)")

	return cmd
}

func startDashboard(s *session, addr string) (*http.Server, error) {
	dash, err := webserver.NewDashboard(s.reg, s.store, s.rbuf, s.log, Version)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return dash.Serve(addr), nil
}

// handleSignals cancels on SIGINT/SIGTERM and serves the diagnostic
// signals until the program exits.
func handleSignals(cancel context.CancelFunc, log logrus.FieldLogger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sig {
			log.Info("Signal received, unmounting the filesystem...")
			cancel()
		}
	}()

	sig1 := make(chan os.Signal, 1)
	signal.Notify(sig1, syscall.SIGUSR1)
	go func() {
		for range sig1 {
			log.Info("Signal received, forcing garbage collection...")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}()

	sig2 := make(chan os.Signal, 1)
	signal.Notify(sig2, syscall.SIGUSR2)
	go func() {
		for range sig2 {
			log.Info("Signal received, printing stacktrace (to stderr)...")
			buf := make([]byte, stackTraceBuffer)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen])
		}
	}()
}

// notifyHelper reports the established mount to the mount helper,
// if the program was started by one.
func notifyHelper(log logrus.FieldLogger) {
	val := os.Getenv(helperFDEnv)
	if val == "" {
		return
	}

	fd, err := strconv.Atoi(val)
	if err != nil {
		log.WithError(err).Warn("invalid mount helper descriptor")

		return
	}

	f := os.NewFile(uintptr(fd), "mount-helper")
	if f == nil {
		return
	}
	defer f.Close()

	if _, err := f.Write([]byte{1}); err != nil {
		log.WithError(err).Warn("failed to notify the mount helper")

		return
	}
	log.Debug("notified the mount helper")
}
