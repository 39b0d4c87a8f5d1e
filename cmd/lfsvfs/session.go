package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/desertwitch/lfsvfs/internal/config"
	"github.com/desertwitch/lfsvfs/internal/logging"
	"github.com/desertwitch/lfsvfs/internal/storage"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultLogBuffer = 500

var (
	errNoMount        = errors.New("no such mount")
	errAmbiguousMount = errors.New("more than one mount, select one with --label")
	errNeedConfig     = errors.New("need a configuration file")
)

// programOpts holds the global flags shared by all commands.
type programOpts struct {
	configFile string
	label      string
	verbose    bool
	logLevel   string

	// medium is described by the flags when no configuration file is used.
	medium config.Mount
}

func (o *programOpts) bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()

	f.StringVarP(&o.configFile, "config", "c", "", "Configuration file of the media (medium flags are ignored when set)")
	f.StringVarP(&o.label, "label", "l", "", "Label of the medium (selects the mount of the configuration file)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Print debug messages (same as --log-level debug)")
	f.StringVar(&o.logLevel, "log-level", "", "Log level (panic, fatal, error, warn, info, debug, trace)")

	f.StringVarP(&o.medium.Medium, "medium", "m", config.DefaultMedium, "Kind of the medium (ram, flash, sd)")
	f.StringVarP(&o.medium.Image, "image", "i", "", "Image file of a flash partition or an SD card")
	f.Var(&o.medium.Offset, "offset", "Start of the flash partition within its image (e.g. 64KiB)")
	f.Var(&o.medium.Size, "size", "Size of a RAM region or a flash partition (e.g. 1MiB)")
	f.Var(&o.medium.SectorSize, "sector-size", "Sector size of an SD card")
	f.Uint32Var(&o.medium.SectorCount, "sector-count", 0, "Sector count of an SD card")
	f.BoolVar(&o.medium.DMA, "dma", false, "Stage SD card transfers through an aligned buffer")
	f.IntVar(&o.medium.MaxFiles, "max-files", config.DefaultMaxFiles, "Limit of simultaneously open files")
	f.BoolVar(&o.medium.DirCompat, "dircompat", false, "Create the ancestors of written files and prune emptied ones")
	f.BoolVar(&o.medium.Mtime, "mtime", false, "Keep a modification time on every file")
	f.StringVar(&o.medium.MtimeMode, "mtime-mode", "", "What to store as the modification time (seconds, nonce)")
	f.BoolVar(&o.medium.FormatIfMountFailed, "format", false, "Format the medium when it cannot be mounted")
}

// level returns the log level selected by the flags.
func (o *programOpts) level() (logrus.Level, error) {
	return logging.ParseLevel(o.logLevel, o.verbose)
}

// loadConfig loads the configuration file, or describes the single
// medium of the flags when none is given.
func (o *programOpts) loadConfig() (*config.File, error) {
	if o.configFile != "" {
		f, err := config.Load(o.configFile)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}

		return f, nil
	}

	m := o.medium
	m.Label = o.label
	m.ApplyDefaults()

	f := &config.File{LogBuffer: defaultLogBuffer, Mounts: []config.Mount{m}}
	if err := f.Validate(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	return f, nil
}

// selectMount returns the mount the command works on.
func (o *programOpts) selectMount(f *config.File) (*config.Mount, error) {
	if o.configFile == "" {
		return &f.Mounts[0], nil
	}

	if o.label != "" {
		m, ok := f.Find(o.label)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errNoMount, o.label)
		}

		return m, nil
	}

	switch len(f.Mounts) {
	case 0:
		return nil, fmt.Errorf("%w: configuration has no mounts", errNoMount)
	case 1:
		return &f.Mounts[0], nil
	default:
		return nil, errAmbiguousMount
	}
}

// session is a set of media mounted for one command.
type session struct {
	log   *logrus.Logger
	rbuf  *logging.RingBuffer
	store *storage.Manager
	reg   *vfs.Registry
}

func newSession(f *config.File, out io.Writer, level logrus.Level) *session {
	rbuf := logging.NewRingBuffer(max(f.LogBuffer, 1))
	log := logging.NewLogger(rbuf, out, level)

	return &session{
		log:   log,
		rbuf:  rbuf,
		store: storage.NewManager(log),
		reg:   vfs.NewRegistry(nil, log),
	}
}

// create opens the medium of the mount and mounts its engine.
func (s *session) create(m *config.Mount) (*storage.Instance, error) {
	medium, err := m.StorageMedium()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	sinst, err := s.store.Create(medium, m.StorageOptions(medium))
	if err != nil {
		return nil, fmt.Errorf("failed to open medium %q: %w", m.Label, err)
	}

	return sinst, nil
}

// mount opens the medium of the mount and mounts it on the registry.
func (s *session) mount(m *config.Mount) (*vfs.Instance, error) {
	sinst, err := s.create(m)
	if err != nil {
		return nil, err
	}

	conf, err := m.MountConfig(sinst.FS)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	inst, err := s.reg.Mount(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to mount %q: %w", m.Label, err)
	}

	return inst, nil
}

// Close unmounts every instance and releases every medium.
func (s *session) Close() error {
	rerr := s.reg.Reset()
	serr := s.store.Close()

	return errors.Join(rerr, serr)
}

// openMount opens a session with the selected mount of the command.
func (o *programOpts) openMount(cmd *cobra.Command) (*session, *vfs.Instance, error) {
	f, m, err := o.prepare()
	if err != nil {
		return nil, nil, err
	}

	level, err := o.level()
	if err != nil {
		return nil, nil, err //nolint:wrapcheck
	}

	s := newSession(f, cmd.ErrOrStderr(), level)

	inst, err := s.mount(m)
	if err != nil {
		_ = s.Close()

		return nil, nil, err
	}

	return s, inst, nil
}

// prepare loads the configuration and selects the mount of the command.
func (o *programOpts) prepare() (*config.File, *config.Mount, error) {
	f, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	m, err := o.selectMount(f)
	if err != nil {
		return nil, nil, err
	}

	return f, m, nil
}
