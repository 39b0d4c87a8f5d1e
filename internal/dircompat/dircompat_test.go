package dircompat

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	errExist    = errors.New("exists")
	errNotEmpty = errors.New("not empty")
	errOther    = errors.New("other")
)

// fakeFS records the calls and fails on the configured paths.
type fakeFS struct {
	calls []string
	fail  map[string]error
}

func (f *fakeFS) Mkdir(p string) error {
	f.calls = append(f.calls, "mkdir "+p)

	return f.fail[p]
}

func (f *fakeFS) Remove(p string) error {
	f.calls = append(f.calls, "rm "+p)

	return f.fail[p]
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

// Expectation: Ancestors should list all parents from left to right.
func Test_Ancestors_Success(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"/a", "/a/b"}, Ancestors("/a/b/c.txt"))
	require.Equal(t, []string{"/a"}, Ancestors("a//b/"))
	require.Empty(t, Ancestors("/root.txt"))
	require.Empty(t, Ancestors("/"))
}

// Expectation: MkdirAll should create each ancestor, treating existing ones as success.
func Test_MkdirAll_Success(t *testing.T) {
	t.Parallel()

	fs := &fakeFS{fail: map[string]error{"/a": errExist, "/a/b": errOther}}

	MkdirAll(fs, "/a/b/c/file", func(err error) bool { return errors.Is(err, errExist) }, testLogger())
	require.Equal(t, []string{"mkdir /a", "mkdir /a/b", "mkdir /a/b/c"}, fs.calls)
}

// Expectation: Root level files should not create any directory.
func Test_MkdirAll_RootLevel_Success(t *testing.T) {
	t.Parallel()

	fs := &fakeFS{}

	MkdirAll(fs, "/file", func(error) bool { return false }, testLogger())
	require.Empty(t, fs.calls)
}

// Expectation: PruneEmpty should remove from the parent outwards and stop at the first failure.
func Test_PruneEmpty_Stop_Success(t *testing.T) {
	t.Parallel()

	fs := &fakeFS{fail: map[string]error{"/a/b": errNotEmpty}}

	n := PruneEmpty(fs, "/a/b/c/file", testLogger())
	require.Equal(t, 1, n)
	require.Equal(t, []string{"rm /a/b/c", "rm /a/b"}, fs.calls)
}

// Expectation: PruneEmpty should remove all ancestors when they are empty.
func Test_PruneEmpty_All_Success(t *testing.T) {
	t.Parallel()

	fs := &fakeFS{}

	require.Equal(t, 2, PruneEmpty(fs, "/a/b/file", testLogger()))
	require.Equal(t, []string{"rm /a/b", "rm /a"}, fs.calls)
	require.Zero(t, PruneEmpty(&fakeFS{}, "/file", testLogger()))
}
