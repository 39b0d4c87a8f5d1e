// Package rmutex implements a reentrant mutex.
//
// The owner of a [Mutex] is the goroutine which locked it. The owner may
// lock it again without blocking, every Lock must then be matched by an
// Unlock before other goroutines can acquire it.
package rmutex

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Mutex is a reentrant mutual exclusion lock.
// The zero value is an unlocked mutex.
type Mutex struct {
	mu     sync.Mutex
	cond   *sync.Cond
	holder int64
	depth  int
}

func (m *Mutex) init() {
	if m.cond == nil {
		m.cond = sync.NewCond(&m.mu)
	}
}

// Lock acquires the mutex, blocking unless free or held by the caller.
func (m *Mutex) Lock() {
	id := goid()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	for m.depth > 0 && m.holder != id {
		m.cond.Wait()
	}
	m.holder = id
	m.depth++
}

// TryLock acquires the mutex if that is possible without blocking.
func (m *Mutex) TryLock() bool {
	id := goid()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if m.depth > 0 && m.holder != id {
		return false
	}
	m.holder = id
	m.depth++

	return true
}

// Unlock releases one level of the mutex.
// It panics when the caller does not hold the mutex.
func (m *Mutex) Unlock() {
	id := goid()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depth == 0 || m.holder != id {
		panic("rmutex: unlock of mutex not held by the calling goroutine")
	}

	m.depth--
	if m.depth == 0 {
		m.holder = 0
		m.cond.Signal()
	}
}

// Depth returns the current lock depth, zero when unlocked.
func (m *Mutex) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.depth
}

// HeldByCaller reports if the calling goroutine holds the mutex.
func (m *Mutex) HeldByCaller() bool {
	id := goid()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.depth > 0 && m.holder == id
}

var goroutinePrefix = []byte("goroutine ")

// goid returns the id of the calling goroutine, parsed from the
// "goroutine N [status]:" header of its stack trace.
func goid() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]

	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}

	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic("rmutex: cannot parse goroutine id: " + err.Error())
	}

	return id
}
