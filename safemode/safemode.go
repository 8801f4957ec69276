// Package safemode implements the safe-mode pre-fork handshake described
// in spec.md §4.3: a recovery program is forked very early, before any
// other process starts, and sits blocked on a pipe read until the
// supervisor signals which entry crashed. This converts an unreliable
// "fork at crash time" into a reliable "wake a pre-forked child".
//
// Forking the placeholder is done by re-executing this same binary
// (mirroring the /proc/self/exe re-exec the teacher uses to hand a child
// process freshly-initialized Go runtime state, see runsc/sandbox/sandbox.go)
// rather than calling a bare fork(2): letting exec.Cmd perform fork+exec
// together avoids running arbitrary Go code (goroutines, GC, allocator)
// in a freshly forked, single-threaded child.
package safemode

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/sandstone-labs/unit-init/cmdline"
)

// DescriptorNameLen is the fixed width, in bytes, of the NUL-padded
// process-name field of the wire record (§6.3).
const DescriptorNameLen = 1024

// descriptorSize is the total wire size: name field plus a 4-byte signal.
// The signal field is encoded little-endian, matching every Linux target
// this program actually runs on (amd64, arm64); there is no portable
// "native endian" encoding available before Go 1.21's binary.NativeEndian.
const descriptorSize = DescriptorNameLen + 4

// Descriptor is the fixed-size record written through the pipe to the
// placeholder once a safe entry dies abnormally.
type Descriptor struct {
	ProcessName string
	Signal      int32
}

// Encode renders d as the fixed-width wire record.
func (d Descriptor) Encode() ([descriptorSize]byte, error) {
	var buf [descriptorSize]byte
	if len(d.ProcessName) >= DescriptorNameLen {
		return buf, fmt.Errorf("safemode: process name %q too long for %d-byte field", d.ProcessName, DescriptorNameLen)
	}
	copy(buf[:DescriptorNameLen], d.ProcessName)
	binary.LittleEndian.PutUint32(buf[DescriptorNameLen:], uint32(d.Signal))
	return buf, nil
}

// Decode parses the fixed-width wire record.
func Decode(buf [descriptorSize]byte) Descriptor {
	name := buf[:DescriptorNameLen]
	if i := indexNUL(name); i >= 0 {
		name = name[:i]
	}
	return Descriptor{
		ProcessName: string(name),
		Signal:      int32(binary.LittleEndian.Uint32(buf[DescriptorNameLen:])),
	}
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Handle is the parent-side state for a live placeholder: its PID and
// the write end of the pipe it's blocked reading from.
type Handle struct {
	Pid   int
	Write *os.File
}

// RecoveryCommand is the tokenized safe-mode entry, ready for argv/env
// substitution once the trigger descriptor arrives.
type RecoveryCommand struct {
	Env  []string
	Args []string
}

const (
	placeholderFlag   = "--safemode-placeholder"
	envRecoveryArgv   = "UNIT_INIT_RECOVERY_ARGV"
	envRecoveryEnv    = "UNIT_INIT_RECOVERY_ENV"
	placeholderPipeFd = 3 // first fd after stdin/stdout/stderr, via ExtraFiles
)

// Fork creates the pipe and re-execs this binary into a fresh placeholder
// process blocked on the read end. exePath is normally "/proc/self/exe".
func Fork(exePath string, cmd RecoveryCommand) (*Handle, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("safemode: pipe: %w", err)
	}
	defer r.Close()

	argvJSON, err := json.Marshal(cmd.Args)
	if err != nil {
		return nil, fmt.Errorf("safemode: encode recovery argv: %w", err)
	}
	envJSON, err := json.Marshal(cmd.Env)
	if err != nil {
		return nil, fmt.Errorf("safemode: encode recovery env: %w", err)
	}

	c := exec.Command(exePath, placeholderFlag)
	c.Args[0] = "unit-init-safemode"
	c.ExtraFiles = []*os.File{r}
	c.Env = append(os.Environ(), envRecoveryArgv+"="+string(argvJSON), envRecoveryEnv+"="+string(envJSON))
	c.SysProcAttr = &unix.SysProcAttr{Setsid: true}

	if err := c.Start(); err != nil {
		w.Close()
		return nil, fmt.Errorf("safemode: fork placeholder: %w", err)
	}
	return &Handle{Pid: c.Process.Pid, Write: w}, nil
}

// Close releases the parent's handle on a (possibly dead) placeholder's
// pipe write end, e.g. before re-forking a replacement.
func (h *Handle) Close() {
	if h != nil && h.Write != nil {
		h.Write.Close()
	}
}

// Trigger writes the crash descriptor to the placeholder, waking it to
// substitute and exec the recovery program. A short write accumulates;
// EINTR is retried; a zero-byte write is fatal. EPIPE (the placeholder
// died before the trigger could be delivered) is not retried here --
// the caller is expected to restart the placeholder and retry once.
func (h *Handle) Trigger(processName string, signal int32) error {
	buf, err := Descriptor{ProcessName: processName, Signal: signal}.Encode()
	if err != nil {
		return err
	}
	return writeFull(h.Write, buf[:])
}

func writeFull(f *os.File, buf []byte) error {
	fd := int(f.Fd())
	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("safemode: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("safemode: zero-byte write to placeholder pipe")
		}
		written += n
	}
	return nil
}

// RunPlaceholder is the placeholder's own entry point, invoked from
// main() when the re-exec'd process is started with placeholderFlag. It
// never returns: it blocks signals, reads the trigger descriptor, and
// execve's the recovery program, exiting nonzero on any failure.
func RunPlaceholder() {
	if err := unblockNothing(); err != nil {
		os.Exit(1)
	}

	argvJSON := os.Getenv(envRecoveryArgv)
	envJSON := os.Getenv(envRecoveryEnv)
	var args, env []string
	if err := json.Unmarshal([]byte(argvJSON), &args); err != nil {
		os.Exit(1)
	}
	if err := json.Unmarshal([]byte(envJSON), &env); err != nil {
		os.Exit(1)
	}

	desc, err := readDescriptor(placeholderPipeFd)
	if err != nil {
		os.Exit(1)
	}

	finalArgs := cmdline.Substitute(args, desc.ProcessName, desc.Signal)
	if err := unix.Exec(finalArgs[0], finalArgs, env); err != nil {
		os.Exit(1)
	}
}

// unblockNothing blocks every signal on the placeholder: it has no
// responsibility but to wait on the pipe, so nothing should interrupt it.
func unblockNothing() error {
	var full unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}
	return unix.PthreadSigmask(unix.SIG_SETMASK, &full, nil)
}

func readDescriptor(fd int) (Descriptor, error) {
	var buf [descriptorSize]byte
	got := 0
	for got < len(buf) {
		n, err := unix.Read(fd, buf[got:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Descriptor{}, fmt.Errorf("safemode: read: %w", err)
		}
		if n == 0 {
			return Descriptor{}, fmt.Errorf("safemode: zero-byte read (parent died)")
		}
		got += n
	}
	return Decode(buf), nil
}

// IsPlaceholderArg reports whether args (as passed to main) requests the
// placeholder entry point.
func IsPlaceholderArg(args []string) bool {
	for _, a := range args {
		if a == placeholderFlag {
			return true
		}
	}
	return false
}

// IsEPIPE reports whether err is, or wraps, EPIPE: the signal that the
// placeholder died before the trigger could be delivered. The caller
// (the supervisor) is expected to restart the placeholder and retry the
// trigger exactly once; see spec.md §4.3 "Restart".
func IsEPIPE(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
