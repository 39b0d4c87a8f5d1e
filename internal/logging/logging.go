// Package logging implements the handling of logs.
//
// All messages go through a [logrus.Logger], a [RingBuffer] hooked into
// it keeps the most recent ones for the diagnostics dashboard.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05"

var _ logrus.Hook = (*RingBuffer)(nil)

// RingBuffer is a simple ring-buffer implementation.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []string
	index int
	full  bool
	size  int

	formatter logrus.Formatter
}

// NewRingBuffer returns a pointer to a new [RingBuffer].
func NewRingBuffer(size int) *RingBuffer {
	size = max(size, 1)

	return &RingBuffer{
		buf:  make([]string, size),
		size: size,
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		},
	}
}

// NewLogger returns a pointer to a new [logrus.Logger] writing to out at
// level and mirroring every message into rbuf (when not nil).
func NewLogger(rbuf *RingBuffer, out io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})

	if rbuf != nil {
		log.AddHook(rbuf)
	}

	return log
}

// Size returns the size of the ring-buffer.
func (b *RingBuffer) Size() int {
	return b.size
}

// Lines returns a copy of the slice of ring-buffer contents.
func (b *RingBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]string, b.index)
		copy(out, b.buf[:b.index])

		return out
	}
	out := make([]string, b.size)
	copy(out, b.buf[b.index:])
	copy(out[b.size-b.index:], b.buf[:b.index])

	return out
}

// Reset returns the ring-buffer to zero state.
func (b *RingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = make([]string, b.size)
	b.index = 0
	b.full = false
}

// Levels implements [logrus.Hook] for all levels, the logger level
// filters before hooks are fired.
func (b *RingBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements [logrus.Hook] and adds the formatted entry.
func (b *RingBuffer) Fire(entry *logrus.Entry) error {
	line, err := b.formatter.Format(entry)
	if err != nil {
		return fmt.Errorf("failed to format entry: %w", err)
	}
	b.add(string(line))

	return nil
}

// add adds a new message to the ring-buffer.
func (b *RingBuffer) add(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf[b.index] = strings.TrimSuffix(msg, "\n")
	b.index = (b.index + 1) % b.size
	if b.index == 0 {
		b.full = true
	}
}

// ParseLevel returns the level of its name, with verbose forcing debug.
func ParseLevel(name string, verbose bool) (logrus.Level, error) {
	if verbose {
		return logrus.DebugLevel, nil
	}
	if name == "" {
		return logrus.InfoLevel, nil
	}

	level, err := logrus.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("failed to parse log level: %w", err)
	}

	return level, nil
}
