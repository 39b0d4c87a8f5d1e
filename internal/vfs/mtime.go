package vfs

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"
)

// mtimeAttr is the engine attribute holding the modification time.
const mtimeAttr = 't'

// MtimeMode selects what is stored as the modification time.
type MtimeMode int

const (
	// MtimeSeconds stores the current Unix time in seconds.
	MtimeSeconds MtimeMode = iota

	// MtimeNonce stores a counter which changes on every update, for
	// systems without a trustworthy clock. It starts from a random value
	// and is never zero.
	MtimeNonce
)

func (m MtimeMode) String() string {
	switch m {
	case MtimeSeconds:
		return "seconds"
	case MtimeNonce:
		return "nonce"
	default:
		return "unknown"
	}
}

// ParseMtimeMode returns the [MtimeMode] of its name, empty being seconds.
func ParseMtimeMode(s string) (MtimeMode, error) {
	switch s {
	case "", "seconds":
		return MtimeSeconds, nil
	case "nonce":
		return MtimeNonce, nil
	default:
		return 0, fmt.Errorf("%w: unknown mtime mode %q", ErrInvalidConfig, s)
	}
}

// getMtime returns the stored modification time value of p, 0 if none.
func (inst *Instance) getMtime(p string) int64 {
	var buf [8]byte

	n, err := inst.fs.GetAttr(p, mtimeAttr, buf[:])
	if err != nil || n != len(buf) {
		return 0
	}

	return int64(binary.LittleEndian.Uint64(buf[:]))
}

func (inst *Instance) setMtime(p string, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))

	return inst.fs.SetAttr(p, mtimeAttr, buf[:])
}

// nextMtime returns the value for an update of p, which for seconds mode
// is t or the current time when t is zero.
func (inst *Instance) nextMtime(p string, t time.Time) int64 {
	if inst.conf.MtimeMode != MtimeNonce {
		if t.IsZero() {
			t = time.Now()
		}

		return t.Unix()
	}

	v := inst.getMtime(p)
	if v == 0 {
		v = int64(rand.Uint32())
	} else {
		v++
	}
	if v == 0 {
		v = 1
	}

	return v
}

// touch updates the modification time of p, logging failures.
func (inst *Instance) touch(p string) {
	if err := inst.setMtime(p, inst.nextMtime(p, time.Time{})); err != nil {
		inst.log.WithError(err).WithField("path", p).Warn("failed to update mtime")
	}
}
