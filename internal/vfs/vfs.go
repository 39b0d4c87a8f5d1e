// Package vfs implements the path and descriptor surface over mounted
// engine instances.
//
// A [Registry] holds every mounted [Instance], keyed by its engine handle,
// and publishes the mount points on a [Host] router. Each [Instance] owns
// a descriptor table and serializes all engine calls made on its behalf
// with a reentrant mutex, so that the directory emulation can call back
// into locked operations.
//
// The registry lock is only held across a table scan or mutation. Engine
// mounts and the teardown of an instance happen outside of it, under the
// instance lock alone.
package vfs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/registry"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBasePath is the mount point used by the tooling when none is given.
	DefaultBasePath = "/littlefs"

	// MaxMountPointLen is the longest accepted mount point.
	MaxMountPointLen = 15

	// MaxFiles is the upper bound of open files per instance.
	MaxFiles = fdcache.DefaultMaxSize

	logTag = "LFS_VFS"
)

var (
	// ErrInvalidConfig is for a mount configuration which cannot be used.
	ErrInvalidConfig = errors.New("invalid mount configuration")

	// ErrAlreadyMounted is for mounting an engine handle twice.
	ErrAlreadyMounted = errors.New("already mounted")

	// ErrNotInitialized is for using a registry which never had a mount.
	ErrNotInitialized = errors.New("registry not initialized")

	// ErrNotFound is for an engine handle or mount point without an instance.
	ErrNotFound = errors.New("no such mount")

	// ErrMountPointInUse is for a mount point already taken by another instance.
	ErrMountPointInUse = errors.New("mount point in use")

	// ErrPathOpen is for unlinking or renaming a path with an open descriptor.
	ErrPathOpen = errors.New("path is currently open")

	// ErrReadOnly is for modifying a read-only instance.
	ErrReadOnly = errors.New("read-only mount")

	// ErrUnmounted is for using an instance after it was unmounted.
	ErrUnmounted = errors.New("instance unmounted")

	// ErrNotSupported is for operations disabled by the mount configuration.
	ErrNotSupported = errors.New("operation not supported")
)

// MountConfig describes how an engine instance is mounted.
type MountConfig struct {
	// BasePath is the mount point on the [Host], such as "/littlefs".
	BasePath string

	// Label names the medium, it is informational only.
	Label string

	// FS is the engine handle to mount. It is mounted when it is not yet
	// and then also unmounted again with the instance.
	FS *lfs.FS

	// MaxFiles is the limit of simultaneously open files, in (0, [MaxFiles]].
	MaxFiles int

	// DirCompat creates the ancestors of written files and prunes them
	// again as far as they are empty after an unlink.
	DirCompat bool

	// UseMtime keeps a modification time attribute on every file.
	UseMtime bool

	// MtimeMode selects what is stored as the modification time.
	MtimeMode MtimeMode

	// FormatIfMountFailed formats the medium when it cannot be mounted.
	FormatIfMountFailed bool

	// ReadOnly rejects every modifying operation with [ErrReadOnly].
	ReadOnly bool

	// HashOnly identifies open files by their path hash alone.
	// See [fdcache.Policy] for the involved collision risk.
	HashOnly bool

	// Policy controls the descriptor table, nil is the default policy.
	// Its MaxSize is always replaced with MaxFiles.
	Policy *fdcache.Policy

	// ReserveFunc is consulted before every descriptor table growth.
	ReserveFunc fdcache.ReserveFunc
}

// Validate reports configuration errors before the engine is touched.
func (c MountConfig) Validate() error {
	if c.FS == nil {
		return fmt.Errorf("%w: need an engine handle", ErrInvalidConfig)
	}
	if err := ValidateMountPoint(c.BasePath); err != nil {
		return err
	}
	if c.MaxFiles <= 0 || c.MaxFiles > MaxFiles {
		return fmt.Errorf("%w: max files %d not in (0, %d]", ErrInvalidConfig, c.MaxFiles, MaxFiles)
	}
	if _, err := c.policy(); err != nil {
		return err
	}

	return nil
}

// ValidateMountPoint checks that mp can be registered on a [Host].
func ValidateMountPoint(mp string) error {
	switch {
	case mp == "":
		return fmt.Errorf("%w: need a mount point", ErrInvalidConfig)
	case !strings.HasPrefix(mp, "/") || strings.HasSuffix(mp, "/"):
		return fmt.Errorf("%w: mount point %q must start and must not end with a slash", ErrInvalidConfig, mp)
	case len(mp) > MaxMountPointLen:
		return fmt.Errorf("%w: mount point %q longer than %d", ErrInvalidConfig, mp, MaxMountPointLen)
	}

	return nil
}

func (c MountConfig) policy() (fdcache.Policy, error) {
	p := fdcache.DefaultPolicy()
	if c.Policy != nil {
		p = *c.Policy
	}

	p.MaxSize = c.MaxFiles
	p.InitialSize = min(p.InitialSize, p.MaxSize)
	p.MinSize = min(p.MinSize, p.MaxSize)
	p.HashOnly = p.HashOnly || c.HashOnly

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return p, nil
}

// Metrics contains the counters of an [Instance].
type Metrics struct {
	// OpenFiles is the amount of currently open files.
	OpenFiles atomic.Int64

	// TotalOpens is the amount of successful opens.
	TotalOpens atomic.Int64

	// TotalCloses is the amount of successful closes.
	TotalCloses atomic.Int64

	// TotalErrors is the amount of failed operations.
	TotalErrors atomic.Int64

	// TotalReadBytes is the amount of bytes read from files.
	TotalReadBytes atomic.Int64

	// TotalWrittenBytes is the amount of bytes written to files.
	TotalWrittenBytes atomic.Int64
}

// Reset zeroes the lifetime counters, OpenFiles is kept.
func (m *Metrics) Reset() {
	m.TotalOpens.Store(0)
	m.TotalCloses.Store(0)
	m.TotalErrors.Store(0)
	m.TotalReadBytes.Store(0)
	m.TotalWrittenBytes.Store(0)
}

// Registry is the set of mounted instances of a process.
// The zero value is not usable, see [NewRegistry].
type Registry struct {
	once  sync.Once
	ready atomic.Bool

	mu     sync.Mutex
	mounts *registry.Table[*lfs.FS, *Instance]
	grow   registry.GrowFunc

	// mounting holds the engine handles of mounts and unmounts in progress.
	mounting map[*lfs.FS]struct{}

	host *Host
	log  logrus.FieldLogger
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide [Registry], created on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(nil, logrus.StandardLogger())
	})

	return defaultRegistry
}

// NewRegistry returns a pointer to a new empty [Registry] publishing its
// mount points on host. A nil host gets a new [Host], a nil logger is
// replaced with the standard logger.
func NewRegistry(host *Host, log logrus.FieldLogger) *Registry {
	if host == nil {
		host = NewHost()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Registry{
		host: host,
		log:  log.WithField("tag", logTag),
	}
}

// lock initializes the table on first use and acquires the registry lock.
func (r *Registry) lock() {
	r.once.Do(func() {
		r.mu.Lock()
		r.mounts = registry.New[*lfs.FS, *Instance](1)
		r.mounts.SetGrowFunc(r.grow)
		r.mu.Unlock()
		r.ready.Store(true)
	})
	r.mu.Lock()
}

// SetGrowFunc installs a hook consulted before every growth of the table.
func (r *Registry) SetGrowFunc(fn registry.GrowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.grow = fn
	if r.mounts != nil {
		r.mounts.SetGrowFunc(fn)
	}
}

// Host returns the router the mount points are published on.
func (r *Registry) Host() *Host {
	return r.host
}

// Mount mounts conf.FS (when not yet mounted) and registers it as a new
// [Instance] at conf.BasePath.
func (r *Registry) Mount(conf MountConfig) (*Instance, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	policy, _ := conf.policy()

	log := r.log.WithFields(logrus.Fields{
		"mount": conf.BasePath,
		"label": conf.Label,
	})

	if err := r.reserve(conf.FS); err != nil {
		return nil, fmt.Errorf("%w: %q", err, conf.Label)
	}
	defer r.unreserve(conf.FS)

	ownsMount := false
	if !conf.FS.Mounted() {
		if err := mountEngine(conf, log); err != nil {
			return nil, err
		}
		ownsMount = true
	}

	files, err := fdcache.New[*openFile](policy)
	if err != nil {
		return nil, r.abortMount(conf, ownsMount, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	files.SetReserveFunc(conf.ReserveFunc)

	inst := &Instance{
		conf:      conf,
		fs:        conf.FS,
		host:      r.host,
		files:     files,
		ownsMount: ownsMount,
		log:       log,
		Metrics:   &Metrics{},
	}

	r.lock()
	defer r.mu.Unlock()

	if _, err := r.mounts.Insert(conf.FS, inst); err != nil {
		if errors.Is(err, registry.ErrAlreadyPresent) {
			err = fmt.Errorf("%w: %q", ErrAlreadyMounted, conf.Label)
		}

		return nil, r.abortMount(conf, ownsMount, err)
	}

	if err := r.host.Register(conf.BasePath, inst); err != nil {
		_, _ = r.mounts.Remove(conf.FS)

		return nil, r.abortMount(conf, ownsMount, err)
	}

	log.WithFields(logrus.Fields{
		"max_files": conf.MaxFiles,
		"dircompat": conf.DirCompat,
		"mtime":     conf.UseMtime,
	}).Info("mounted")

	return inst, nil
}

// reserve claims the engine handle for a mount in progress, so that no
// concurrent mount of it touches the engine.
func (r *Registry) reserve(handle *lfs.FS) error {
	r.lock()
	defer r.mu.Unlock()

	if _, dup := r.mounts.Find(handle); dup {
		return ErrAlreadyMounted
	}
	if _, busy := r.mounting[handle]; busy {
		return ErrAlreadyMounted
	}

	r.claim(handle)

	return nil
}

// claim marks the handle as busy, the registry lock must be held.
// A torn down handle stays claimed until its engine is unmounted.
func (r *Registry) claim(handle *lfs.FS) {
	if r.mounting == nil {
		r.mounting = make(map[*lfs.FS]struct{})
	}
	r.mounting[handle] = struct{}{}
}

func (r *Registry) unreserve(handle *lfs.FS) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.mounting, handle)
}

func mountEngine(conf MountConfig, log logrus.FieldLogger) error {
	err := conf.FS.Mount()
	if err == nil {
		return nil
	}
	if !conf.FormatIfMountFailed {
		log.WithError(err).WithField("code", lfs.Code(err).Name()).Error("mount failed")

		return fmt.Errorf("failed to mount: %w", err)
	}

	log.WithError(err).Warn("mount failed, formatting")
	if err := conf.FS.Format(); err != nil {
		return fmt.Errorf("failed to format: %w", err)
	}
	if err := conf.FS.Mount(); err != nil {
		return fmt.Errorf("failed to mount after format: %w", err)
	}

	return nil
}

func (r *Registry) abortMount(conf MountConfig, ownsMount bool, err error) error {
	if ownsMount {
		if uerr := conf.FS.Unmount(); uerr != nil {
			r.log.WithError(uerr).Warn("failed to unmount after aborted mount")
		}
	}

	return err
}

// Unmount unregisters the instance of the engine handle and tears it
// down. Open descriptors are freed without being synced.
func (r *Registry) Unmount(handle *lfs.FS) error {
	if !r.ready.Load() {
		return ErrNotInitialized
	}

	r.mu.Lock()
	inst, err := r.mounts.Remove(handle)
	if err == nil {
		r.claim(handle)
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	defer r.unreserve(handle)

	return inst.teardown()
}

// UnmountPoint unmounts the instance at the mount point mp.
func (r *Registry) UnmountPoint(mp string) error {
	if !r.ready.Load() {
		return ErrNotInitialized
	}

	r.mu.Lock()
	inst, ok := r.mounts.FindFunc(func(_ *lfs.FS, v *Instance) bool {
		return v.conf.BasePath == mp
	})
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, mp)
	}

	return r.Unmount(inst.fs)
}

// Find returns the instance of the engine handle.
func (r *Registry) Find(handle *lfs.FS) (*Instance, bool) {
	if !r.ready.Load() {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mounts.Find(handle)
}

// MountPoint returns the mount point of the engine handle.
func (r *Registry) MountPoint(handle *lfs.FS) (string, error) {
	inst, ok := r.Find(handle)
	if !ok {
		return "", ErrNotFound
	}

	return inst.conf.BasePath, nil
}

// Instances returns all mounted instances by registration slot.
func (r *Registry) Instances() []*Instance {
	if !r.ready.Load() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mounts.Values()
}

// Len returns the amount of mounted instances.
func (r *Registry) Len() int {
	if !r.ready.Load() {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mounts.Len()
}

// Lock acquires the instance lock of the engine handle, so that a caller
// can group several operations.
func (r *Registry) Lock(handle *lfs.FS) error {
	inst, ok := r.Find(handle)
	if !ok {
		return ErrNotFound
	}
	inst.Lock()

	return nil
}

// Unlock releases a lock acquired with [Registry.Lock].
func (r *Registry) Unlock(handle *lfs.FS) error {
	inst, ok := r.Find(handle)
	if !ok {
		return ErrNotFound
	}
	inst.Unlock()

	return nil
}

// Reset unmounts every instance and leaves an empty registry.
// It exists for tests and returns the first teardown error.
func (r *Registry) Reset() error {
	if !r.ready.Load() {
		return nil
	}

	r.mu.Lock()
	all := r.mounts.Values()
	r.mounts = registry.New[*lfs.FS, *Instance](1)
	r.mounts.SetGrowFunc(r.grow)
	for _, inst := range all {
		r.claim(inst.fs)
	}
	r.mu.Unlock()

	var first error
	for _, inst := range all {
		if err := inst.teardown(); err != nil && first == nil {
			first = err
		}
		r.unreserve(inst.fs)
	}

	return first
}
