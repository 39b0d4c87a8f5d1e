//nolint:mnd
package webserver

import (
	"fmt"

	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/dustin/go-humanize"
)

// percentOf returns a string of the used share of total.
func percentOf(used, total uint64) string {
	if total == 0 {
		return "0.00%"
	}

	return fmt.Sprintf("%.2f%%", float64(used)/float64(total)*100)
}

// nonNegativeBytes returns a string of a byte counter, clamped at zero.
func nonNegativeBytes(n int64) string {
	if n < 0 {
		return humanize.IBytes(0)
	}

	return humanize.IBytes(uint64(n))
}

// mtimeDescription returns a string of the modification time setup.
func mtimeDescription(conf vfs.MountConfig) string {
	if !conf.UseMtime {
		return "Disabled"
	}

	return "Enabled (" + conf.MtimeMode.String() + ")"
}

// enabledOrDisabled returns string "Enabled" or "Disabled" based on a boolean.
func enabledOrDisabled(v bool) string {
	if v {
		return "Enabled"
	}

	return "Disabled"
}
