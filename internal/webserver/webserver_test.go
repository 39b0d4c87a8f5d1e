package webserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/desertwitch/lfsvfs/internal/logging"
	"github.com/desertwitch/lfsvfs/internal/storage"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testDashboard(t *testing.T) (*Dashboard, *vfs.Instance) {
	t.Helper()

	rbuf := logging.NewRingBuffer(10)
	log := logging.NewLogger(rbuf, io.Discard, logrus.InfoLevel)

	store := storage.NewManager(log)
	t.Cleanup(func() { _ = store.Close() })

	sinst, err := store.Create(storage.Medium{Kind: storage.KindRAM, Label: "data", Size: 64 * 1024},
		storage.Options{FormatOnError: true})
	require.NoError(t, err)

	reg := vfs.NewRegistry(nil, log)
	t.Cleanup(func() { _ = reg.Reset() })

	inst, err := reg.Mount(vfs.MountConfig{
		BasePath:  "/data",
		Label:     "data",
		FS:        sinst.FS,
		MaxFiles:  5,
		DirCompat: true,
	})
	require.NoError(t, err)

	dash, err := NewDashboard(reg, store, rbuf, log, "gotests")
	require.NoError(t, err)

	return dash, inst
}

// Expectation: NewDashboard should reject missing arguments.
func Test_NewDashboard_Error(t *testing.T) {
	t.Parallel()

	_, err := NewDashboard(nil, nil, logging.NewRingBuffer(1), nil, "")
	require.ErrorIs(t, err, errInvalidArgument)

	_, err = NewDashboard(vfs.NewRegistry(nil, nil), nil, nil, nil, "")
	require.ErrorIs(t, err, errInvalidArgument)
}

// Expectation: Serve should return a valid HTTP server pointer.
func Test_Serve_Success(t *testing.T) {
	t.Parallel()
	dash, _ := testDashboard(t)

	srv := dash.Serve("127.0.0.1:0")
	require.NotNil(t, srv)
	require.NotEmpty(t, srv.Addr)

	defer srv.Close()
}

// Expectation: dashboardMux should register all expected routes.
func Test_dashboardMux_Success(t *testing.T) {
	t.Parallel()
	dash, _ := testDashboard(t)

	router := dash.dashboardMux()

	for _, path := range []string{"/", "/metrics.json", "/mounts/data.json", "/gc", "/reset", "/logs/reset"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, "Route %s should exist", path)
	}
}

// Expectation: dashboardHandler should render the mounts and the logs.
func Test_dashboardHandler_Success(t *testing.T) {
	t.Parallel()
	dash, _ := testDashboard(t)

	dash.log.Info("test log entry")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	dash.dashboardHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.Contains(t, body, "gotests")
	require.Contains(t, body, "test log entry")
	require.Contains(t, body, "/data")
	require.Contains(t, body, "8.0 KiB of 64 KiB used")
}

// Expectation: metricsHandler should return JSON with the open files and device counters.
func Test_metricsHandler_Success(t *testing.T) {
	t.Parallel()
	dash, inst := testDashboard(t)

	fd, err := inst.Open("/a/b.txt", unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, err)
	_, err = inst.Write(fd, []byte("hello"))
	require.NoError(t, err)
	defer inst.Close(fd) //nolint:errcheck

	req := httptest.NewRequest(http.MethodGet, "/metrics.json", nil)
	w := httptest.NewRecorder()

	dash.metricsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var data dashboardData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	require.Equal(t, "gotests", data.Version)
	require.Len(t, data.Mounts, 1)

	m := data.Mounts[0]
	require.Equal(t, "ram", m.Medium)
	require.Equal(t, 1, m.OpenFiles)
	require.Equal(t, []string{"/a/b.txt"}, m.OpenPaths)
	require.Equal(t, int64(1), m.TotalOpens)
	require.Equal(t, "5 B", m.WrittenBytes)
	require.NotNil(t, m.Device)
	require.Positive(t, m.Device.Progs)
}

// Expectation: mountHandler should return 404 for an unknown label.
func Test_mountHandler_NotFound_Error(t *testing.T) {
	t.Parallel()
	dash, _ := testDashboard(t)

	router := dash.dashboardMux()

	req := httptest.NewRequest(http.MethodGet, "/mounts/nope.json", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

// Expectation: resetMetricsHandler should zero the lifetime counters.
func Test_resetMetricsHandler_Success(t *testing.T) {
	t.Parallel()
	dash, inst := testDashboard(t)

	inst.Metrics.TotalOpens.Store(42)
	inst.Metrics.TotalErrors.Store(3)

	req := httptest.NewRequest(http.MethodGet, "/reset", nil)
	w := httptest.NewRecorder()

	dash.resetMetricsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Metrics reset.")
	require.Zero(t, inst.Metrics.TotalOpens.Load())
	require.Zero(t, inst.Metrics.TotalErrors.Load())

	sinst, ok := dash.store.Lookup(inst.FS())
	require.True(t, ok)
	require.Zero(t, sinst.Stats.Progs.Load())
}

// Expectation: resetLogsHandler should empty the ring buffer.
func Test_resetLogsHandler_Success(t *testing.T) {
	t.Parallel()
	dash, _ := testDashboard(t)

	dash.log.Info("to be cleared")
	require.NotEmpty(t, dash.rbuf.Lines())

	req := httptest.NewRequest(http.MethodGet, "/logs/reset", nil)
	w := httptest.NewRecorder()

	dash.resetLogsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, dash.rbuf.Lines())
}

// Expectation: gcHandler should report the heap after a forced collection.
func Test_gcHandler_Success(t *testing.T) {
	t.Parallel()
	dash, _ := testDashboard(t)

	req := httptest.NewRequest(http.MethodGet, "/gc", nil)
	w := httptest.NewRecorder()

	dash.gcHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "GC forced")
}
