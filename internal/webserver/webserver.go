// Package webserver implements the diagnostics server.
package webserver

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/desertwitch/lfsvfs/internal/logging"
	"github.com/desertwitch/lfsvfs/internal/storage"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const readHeaderTimeout = 10 * time.Second

var (
	//go:embed templates/*.html
	templateFS    embed.FS
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

	// errInvalidArgument is for an invalid constructor argument.
	errInvalidArgument = errors.New("invalid argument")
)

// Dashboard is the implementation of the diagnostics dashboard.
type Dashboard struct {
	version string
	started time.Time

	reg   *vfs.Registry
	store *storage.Manager
	rbuf  *logging.RingBuffer
	log   logrus.FieldLogger
}

// NewDashboard returns a pointer to a new [Dashboard]. The storage
// manager is optional, without it no device counters are shown.
func NewDashboard(reg *vfs.Registry, store *storage.Manager, rbuf *logging.RingBuffer, log logrus.FieldLogger, version string) (*Dashboard, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: need registry", errInvalidArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Dashboard{
		version: version,
		started: time.Now(),
		reg:     reg,
		store:   store,
		rbuf:    rbuf,
		log:     log.WithField("tag", "LFS_HTTP"),
	}, nil
}

// Serve serves the diagnostics dashboard as part of a [http.Server].
func (d *Dashboard) Serve(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.dashboardMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Errorf("PANIC: %v\n%s", r, debug.Stack())
			}
		}()
		d.log.Infof("serving dashboard on %s", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.WithError(err).Error("HTTP error")
		}
	}()

	return srv
}

func (d *Dashboard) dashboardMux() *mux.Router {
	mux := mux.NewRouter()

	mux.HandleFunc("/", d.dashboardHandler)
	mux.HandleFunc("/metrics.json", d.metricsHandler)
	mux.HandleFunc("/mounts/{label}.json", d.mountHandler)
	mux.HandleFunc("/gc", d.gcHandler)
	mux.HandleFunc("/reset", d.resetMetricsHandler)
	mux.HandleFunc("/logs/reset", d.resetLogsHandler)

	return mux
}

type dashboardData struct {
	AllocBytes     string      `json:"allocBytes"`
	Logs           []string    `json:"logs"`
	Mounts         []mountData `json:"mounts"`
	NumGC          uint32      `json:"numGc"`
	RingBufferSize int         `json:"ringBufferSize"`
	SysBytes       string      `json:"sysBytes"`
	TotalAlloc     string      `json:"totalAlloc"`
	Uptime         string      `json:"uptime"`
	Version        string      `json:"version"`
}

type mountData struct {
	Label        string      `json:"label"`
	MountPoint   string      `json:"mountPoint"`
	Medium       string      `json:"medium"`
	TotalBytes   string      `json:"totalBytes"`
	UsedBytes    string      `json:"usedBytes"`
	UsedPercent  string      `json:"usedPercent"`
	OpenFiles    int         `json:"openFiles"`
	FDCapacity   int         `json:"fdCapacity"`
	MaxFiles     int         `json:"maxFiles"`
	FDGrows      int         `json:"fdGrows"`
	FDShrinks    int         `json:"fdShrinks"`
	FDFailures   int         `json:"fdFailures"`
	OpenPaths    []string    `json:"openPaths"`
	DirCompat    string      `json:"dirCompat"`
	Mtime        string      `json:"mtime"`
	ReadOnly     string      `json:"readOnly"`
	HashOnly     string      `json:"hashOnly"`
	TotalOpens   int64       `json:"totalOpens"`
	TotalCloses  int64       `json:"totalCloses"`
	TotalErrors  int64       `json:"totalErrors"`
	ReadBytes    string      `json:"readBytes"`
	WrittenBytes string      `json:"writtenBytes"`
	Device       *deviceData `json:"device,omitempty"`
}

type deviceData struct {
	Reads     int64  `json:"reads"`
	Progs     int64  `json:"progs"`
	Erases    int64  `json:"erases"`
	Syncs     int64  `json:"syncs"`
	Errors    int64  `json:"errors"`
	ReadBytes string `json:"readBytes"`
	ProgBytes string `json:"progBytes"`
}

func (d *Dashboard) collectMetrics() dashboardData {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	lines := d.rbuf.Lines()
	slices.Reverse(lines)

	mounts := []mountData{}
	for _, inst := range d.reg.Instances() {
		mounts = append(mounts, d.collectMount(inst))
	}
	slices.SortFunc(mounts, func(a, b mountData) int {
		return strings.Compare(a.MountPoint, b.MountPoint)
	})

	return dashboardData{
		AllocBytes:     humanize.IBytes(m.Alloc),
		Logs:           lines,
		Mounts:         mounts,
		NumGC:          m.NumGC,
		RingBufferSize: d.rbuf.Size(),
		SysBytes:       humanize.IBytes(m.Sys),
		TotalAlloc:     humanize.IBytes(m.TotalAlloc),
		Uptime:         humanize.Time(d.started),
		Version:        d.version,
	}
}

func (d *Dashboard) collectMount(inst *vfs.Instance) mountData {
	conf := inst.Config()
	open, capacity := inst.Descriptors()
	fdStats := inst.DescriptorStats()

	data := mountData{
		Label:        inst.Label(),
		MountPoint:   inst.MountPoint(),
		Medium:       "external",
		OpenFiles:    open,
		FDCapacity:   capacity,
		MaxFiles:     conf.MaxFiles,
		FDGrows:      fdStats.Grows,
		FDShrinks:    fdStats.Shrinks,
		FDFailures:   fdStats.Failures,
		OpenPaths:    inst.OpenPaths(),
		DirCompat:    enabledOrDisabled(conf.DirCompat),
		Mtime:        mtimeDescription(conf),
		ReadOnly:     enabledOrDisabled(conf.ReadOnly),
		HashOnly:     enabledOrDisabled(conf.HashOnly),
		TotalOpens:   inst.Metrics.TotalOpens.Load(),
		TotalCloses:  inst.Metrics.TotalCloses.Load(),
		TotalErrors:  inst.Metrics.TotalErrors.Load(),
		ReadBytes:    nonNegativeBytes(inst.Metrics.TotalReadBytes.Load()),
		WrittenBytes: nonNegativeBytes(inst.Metrics.TotalWrittenBytes.Load()),
	}

	total, used, err := inst.Info()
	if err != nil {
		d.log.WithError(err).WithField("mount", data.MountPoint).Warn("failed to query usage")
	}
	data.TotalBytes = humanize.IBytes(total)
	data.UsedBytes = humanize.IBytes(used)
	data.UsedPercent = percentOf(used, total)

	if d.store != nil {
		if sinst, ok := d.store.Lookup(inst.FS()); ok {
			data.Medium = sinst.Medium.Kind.String()
			data.Device = collectDevice(sinst)
		}
	}

	return data
}

func collectDevice(sinst *storage.Instance) *deviceData {
	return &deviceData{
		Reads:     sinst.Stats.Reads.Load(),
		Progs:     sinst.Stats.Progs.Load(),
		Erases:    sinst.Stats.Erases.Load(),
		Syncs:     sinst.Stats.Syncs.Load(),
		Errors:    sinst.Stats.Errors.Load(),
		ReadBytes: nonNegativeBytes(sinst.Stats.ReadBytes.Load()),
		ProgBytes: nonNegativeBytes(sinst.Stats.ProgBytes.Load()),
	}
}

func (d *Dashboard) findMount(label string) (*vfs.Instance, bool) {
	for _, inst := range d.reg.Instances() {
		if inst.Label() == label {
			return inst, true
		}
	}

	return nil, false
}

func (d *Dashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	if err := indexTemplate.Execute(w, data); err != nil {
		d.log.WithError(err).Error("HTTP template execution error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, d.collectMetrics())
}

func (d *Dashboard) mountHandler(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]

	inst, ok := d.findMount(label)
	if !ok {
		http.Error(w, fmt.Sprintf("No such mount: %s", label), http.StatusNotFound)

		return
	}

	writeJSON(w, d.collectMount(inst))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.log.Infof("GC forced via API, current heap: %s", humanize.IBytes(m.Alloc))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}

func (d *Dashboard) resetMetricsHandler(w http.ResponseWriter, _ *http.Request) {
	for _, inst := range d.reg.Instances() {
		inst.Metrics.Reset()
	}
	if d.store != nil {
		for _, sinst := range d.store.Instances() {
			sinst.Stats.Reset()
		}
	}

	d.log.Info("Metrics reset via API")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Metrics reset.")
}

func (d *Dashboard) resetLogsHandler(w http.ResponseWriter, _ *http.Request) {
	d.rbuf.Reset()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Logs reset.")
}
