// Package logsink is the supervisor's one log collaborator (spec.md
// §4.5): it opens a single append-only sink on a device path lazily, on
// first use, and never fails the caller -- a logging failure is never
// allowed to become a supervision failure.
package logsink

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultDevice is the device path used when the caller does not
// override it.
const DefaultDevice = "/dev/ttyS1"

// Sink is a lazily-opened, never-failing log destination. The zero
// value is not usable; construct one with New.
type Sink struct {
	path string

	mu     sync.Mutex
	opened bool
	lg     *logrus.Logger
	file   *os.File
}

// New returns a Sink that will open path on first use. An empty path
// selects DefaultDevice.
func New(path string) *Sink {
	if path == "" {
		path = DefaultDevice
	}
	return &Sink{path: path}
}

// logger lazily opens the device and returns a ready logrus.Logger. If
// the device cannot be opened, logging silently falls back to
// io.Discard: per spec.md §4.5 this sink must never fail its caller.
func (s *Sink) logger() *logrus.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return s.lg
	}
	s.opened = true

	var w io.Writer = io.Discard
	if f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err == nil {
		w = f
		s.file = f
	}

	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	s.lg = l
	return l
}

// Infof logs at info level.
func (s *Sink) Infof(format string, args ...interface{}) {
	s.logger().Infof(format, args...)
}

// Warningf logs at warning level.
func (s *Sink) Warningf(format string, args ...interface{}) {
	s.logger().Warnf(format, args...)
}

// Errorf logs at error level.
func (s *Sink) Errorf(format string, args ...interface{}) {
	s.logger().Errorf(format, args...)
}

// SyscallErrorf logs at error level, attaching err (typically a
// syscall.Errno captured by the caller at the moment the syscall
// returned) as a structured "errno" field. Capturing err as an explicit
// value at the call site -- rather than formatting it lazily, where
// logging's own I/O could itself invoke syscalls and so observe a
// different failure -- is this package's equivalent of the C sink's
// "preserve errno across calls" contract: Go has no implicit
// thread-local errno to clobber, but the same snapshot discipline
// applies to any error value a caller intends to report.
func (s *Sink) SyscallErrorf(err error, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.logger().WithField("errno", err).Error(msg)
}

// File returns the sink's underlying log device, opening it if
// necessary, for handing directly to a spawned child's stdout/stderr
// (spec.md §4.4.3 step 5's "log fd" destination). Returns nil if the
// device could not be opened, in which case the caller should fall back
// to /dev/null.
func (s *Sink) File() *os.File {
	s.logger()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

// Panicf logs at error level with a "Panicking..." prefix matching
// spec.md §7's description of a supervision-impairing failure, then
// calls os.Exit(1) -- mirroring the teacher's pattern of a supervisor
// that never lets a panic unwind into the Go runtime's own handler,
// since PID 1 dying uncleanly panics the kernel.
func (s *Sink) Panicf(format string, args ...interface{}) {
	s.logger().Errorf("Panicking: "+format, args...)
	os.Exit(1)
}
