package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Expectation: NewRingBuffer should create an empty buffer of at least one line.
func Test_NewRingBuffer_Success(t *testing.T) {
	t.Parallel()

	buf := NewRingBuffer(10)
	require.Equal(t, 10, buf.Size())
	require.Zero(t, buf.index)
	require.False(t, buf.full)
	require.Empty(t, buf.Lines())

	require.Equal(t, 1, NewRingBuffer(0).Size())
}

// Expectation: add should keep the newest lines in order once wrapped.
func Test_RingBuffer_add_WrapAround_Success(t *testing.T) {
	t.Parallel()

	buf := NewRingBuffer(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		buf.add(s)
	}

	require.Equal(t, []string{"c", "d", "e"}, buf.Lines())
	require.True(t, buf.full)
}

// Expectation: add should trim only a single trailing newline.
func Test_RingBuffer_add_TrimNewline_Success(t *testing.T) {
	t.Parallel()

	buf := NewRingBuffer(2)
	buf.add("one\n")
	buf.add("two\n\n")

	require.Equal(t, []string{"one", "two\n"}, buf.Lines())
}

// Expectation: Lines should return a copy that does not alias the buffer.
func Test_RingBuffer_Lines_ReturnsCopy_Success(t *testing.T) {
	t.Parallel()

	buf := NewRingBuffer(2)
	buf.add("x")
	buf.add("y")
	buf.add("z")

	lines := buf.Lines()
	lines[0] = "MUTATED"

	require.Equal(t, []string{"y", "z"}, buf.Lines())
}

// Expectation: Reset should empty the buffer and keep its size.
func Test_RingBuffer_Reset_Success(t *testing.T) {
	t.Parallel()

	buf := NewRingBuffer(4)
	buf.add("one")
	buf.Reset()

	require.Empty(t, buf.Lines())
	require.Equal(t, 4, buf.Size())
}

// Expectation: A logger should write each entry both out and into the buffer.
func Test_NewLogger_Hook_Success(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	buf := NewRingBuffer(10)
	log := NewLogger(buf, &out, logrus.InfoLevel)

	log.WithField("tag", "LFS_VFS").Info("mounted")
	log.Debug("hidden")

	lines := buf.Lines()
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "msg=mounted")
	require.Contains(t, lines[0], "tag=LFS_VFS")
	require.Contains(t, out.String(), "mounted")
	require.NotContains(t, out.String(), "hidden")
}

// Expectation: A logger without a buffer should still write out.
func Test_NewLogger_NoBuffer_Success(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log := NewLogger(nil, &out, logrus.DebugLevel)
	log.Debug("visible")

	require.Contains(t, out.String(), "visible")
}

// Expectation: Concurrent entries should all be kept.
func Test_RingBuffer_Concurrency_Success(t *testing.T) {
	t.Parallel()

	buf := NewRingBuffer(100)
	log := NewLogger(buf, &bytes.Buffer{}, logrus.InfoLevel)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			for range 10 {
				log.Info(strings.Repeat("x", i+1))
			}
		})
	}
	wg.Wait()

	require.Len(t, buf.Lines(), 100)
}

// Expectation: ParseLevel should honor verbose and reject unknown names.
func Test_ParseLevel_Success(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("", false)
	require.NoError(t, err)
	require.Equal(t, logrus.InfoLevel, lvl)

	lvl, err = ParseLevel("warn", true)
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, lvl)

	lvl, err = ParseLevel("error", false)
	require.NoError(t, err)
	require.Equal(t, logrus.ErrorLevel, lvl)
}

// Expectation: ParseLevel should fail on an unknown level name.
func Test_ParseLevel_Error(t *testing.T) {
	t.Parallel()

	_, err := ParseLevel("chatty", false)
	require.Error(t, err)
}
