// Package tty configures a controlling terminal for a spawned process,
// per spec.md §6.5.
package tty

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// openRetries and openDelay bound the controlling-terminal open retry
// described in spec.md §4.4.3 step 5: up to 10 retries after the first
// attempt, 100ms apart, on EIO.
const (
	openRetries = 10
	openDelay   = 100 * time.Millisecond
)

// Open opens path as a controlling terminal, retrying on EIO up to
// openRetries times (the same constant-backoff idiom the teacher uses
// for fallible I/O in runsc/sandbox/sandbox.go), and returns the open
// file.
func Open(path string) (*os.File, error) {
	var f *os.File
	op := func() error {
		var err error
		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			if pe, ok := err.(*os.PathError); ok && pe.Err == unix.EIO {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(openDelay), openRetries)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("tty: open %s: %w", path, err)
	}
	return f, nil
}

// Configure installs the canonical-mode termios settings spec.md §6.5
// names, on the shared device fd before the child process exists. It
// does not set fd as anyone's controlling terminal: TIOCSCTTY is
// session-scoped, so that step belongs to the child, after its own
// setsid(), via SysProcAttr{Setctty: true} -- not to this parent-side
// call, which would instead try to steal fd as PID 1's own ctty.
func Configure(fd int) error {
	term, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tty: tcgetattr: %w", err)
	}

	term.Cflag &^= unix.CBAUD | unix.CBAUDEX | unix.CSIZE | unix.CSTOPB | unix.PARENB | unix.PARODD
	term.Cflag |= unix.HUPCL | unix.CLOCAL | unix.CREAD

	term.Iflag = unix.IGNPAR | unix.ICRNL | unix.IXON | unix.IXANY
	term.Oflag = unix.OPOST | unix.ONLCR
	term.Lflag = unix.ISIG | unix.ICANON | unix.ECHO | unix.ECHOCTL | unix.ECHOPRT | unix.ECHOKE

	setControlChars(&term)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, term); err != nil {
		return fmt.Errorf("tty: tcsetattr: %w", err)
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("tty: tcflush: %w", err)
	}
	return nil
}

// setControlChars resets the control-character array to the system
// defaults named in spec.md §6.5, disabling VEOL/VEOL2 and setting
// VMIN=1, VTIME=0 for blocking, one-byte-at-a-time canonical reads.
func setControlChars(term *unix.Termios) {
	term.Cc[unix.VINTR] = 3    // ^C
	term.Cc[unix.VQUIT] = 28   // ^\
	term.Cc[unix.VERASE] = 127 // DEL
	term.Cc[unix.VKILL] = 21   // ^U
	term.Cc[unix.VEOF] = 4     // ^D
	term.Cc[unix.VSTART] = 17  // ^Q
	term.Cc[unix.VSTOP] = 19   // ^S
	term.Cc[unix.VSUSP] = 26   // ^Z
	term.Cc[unix.VREPRINT] = 18
	term.Cc[unix.VWERASE] = 23
	term.Cc[unix.VLNEXT] = 22
	term.Cc[unix.VEOL] = 0
	term.Cc[unix.VEOL2] = 0
	term.Cc[unix.VMIN] = 1
	term.Cc[unix.VTIME] = 0
}
