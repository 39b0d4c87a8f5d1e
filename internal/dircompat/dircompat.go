// Package dircompat emulates hierarchical directories on top of an
// engine which needs directories to be created and removed explicitly.
//
// Ancestors of a file are created before the file is opened for writing
// and pruned again (as far as they are empty) after it was removed.
package dircompat

import (
	"path"

	"github.com/sirupsen/logrus"
)

// Mkdirer creates a single directory.
type Mkdirer interface {
	Mkdir(path string) error
}

// Rmdirer removes a single empty directory.
type Rmdirer interface {
	Remove(path string) error
}

// Ancestors returns the directories leading to p, from the outermost to
// the immediate parent. The root and p itself are not included.
func Ancestors(p string) []string {
	p = path.Clean("/" + p)

	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}

	return out
}

// MkdirAll creates every ancestor of p from left to right. An ancestor
// that exists already is fine, other failures are logged and the walk
// goes on, leaving the error reporting to the open of the file itself.
func MkdirAll(fs Mkdirer, p string, isExist func(error) bool, log logrus.FieldLogger) {
	for _, dir := range Ancestors(p) {
		err := fs.Mkdir(dir)
		if err == nil || isExist(err) {
			continue
		}
		log.WithError(err).WithField("dir", dir).Warn("failed to create ancestor directory")
	}
}

// PruneEmpty removes the ancestors of p from the immediate parent
// outwards, stopping at the first one which cannot be removed. It
// returns the amount of removed directories.
func PruneEmpty(fs Rmdirer, p string, log logrus.FieldLogger) int {
	dirs := Ancestors(p)

	removed := 0
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := fs.Remove(dirs[i]); err != nil {
			log.WithError(err).WithField("dir", dirs[i]).Debug("stopped pruning at ancestor")

			break
		}
		removed++
	}

	return removed
}
