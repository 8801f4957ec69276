// Package mount sets up the static pseudo-filesystem table at boot and
// then parses /etc/fstab, per spec.md §6.6.
package mount

import (
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/sandstone-labs/unit-init/logsink"
)

// Entry is one filesystem to mount at boot.
type Entry struct {
	Source   string
	Target   string
	FSType   string
	Flags    uintptr
	Data     string
	NonFatal bool // failure to mount this entry does not abort boot
}

// StaticTable is the fixed list of pseudo-filesystems mounted before
// /etc/fstab is consulted, per spec.md §6.6. /dev/pts carries the
// gid=5,mode=620 options and /dev/shm the mode=1777 option the original
// C implementation's mount.c hard-codes.
var StaticTable = []Entry{
	{Source: "sysfs", Target: "/sys", FSType: "sysfs"},
	{Source: "proc", Target: "/proc", FSType: "proc"},
	{Source: "devtmpfs", Target: "/dev", FSType: "devtmpfs"},
	{Source: "devpts", Target: "/dev/pts", FSType: "devpts", Data: "gid=5,mode=620"},
	{Source: "tmpfs", Target: "/dev/shm", FSType: "tmpfs", Data: "mode=1777"},
	{Source: "tmpfs", Target: "/run", FSType: "tmpfs"},
	{Source: "tmpfs", Target: "/tmp", FSType: "tmpfs"},
	{Source: "debugfs", Target: "/sys/kernel/debug", FSType: "debugfs", NonFatal: true},
	{Source: "securityfs", Target: "/sys/kernel/security", FSType: "securityfs", NonFatal: true},
}

// MountAll mounts every entry in table in order, logging and continuing
// past failures marked NonFatal and returning the first fatal error
// otherwise. It checks for CAP_SYS_ADMIN up front so a missing
// capability produces one clear log line instead of a wall of opaque
// EPERM errors, the same pattern the teacher uses before its own
// mount-adjacent operations (specutils.HasCapabilities(capability.CAP_SYS_ADMIN)).
func MountAll(table []Entry, log *logsink.Sink) error {
	if !hasCapSysAdmin() {
		log.Warningf("mount: CAP_SYS_ADMIN not present, mounts are likely to fail")
	}
	for _, e := range table {
		if err := unix.Mount(e.Source, e.Target, e.FSType, e.Flags, e.Data); err != nil {
			if e.NonFatal {
				log.SyscallErrorf(err, "mount: %s on %s failed (non-fatal)", e.FSType, e.Target)
				continue
			}
			return &MountError{Entry: e, Err: err}
		}
	}
	return nil
}

// MountError reports which static or fstab entry failed to mount.
type MountError struct {
	Entry Entry
	Err   error
}

func (e *MountError) Error() string {
	return "mount: " + e.Entry.FSType + " on " + e.Entry.Target + ": " + e.Err.Error()
}

func (e *MountError) Unwrap() error { return e.Err }

// hasCapSysAdmin reports whether the calling process currently holds
// CAP_SYS_ADMIN in its effective set, mirroring the
// specutils.HasCapabilities check the teacher performs with the same
// github.com/syndtr/gocapability/capability package before its own
// mount-adjacent operations.
func hasCapSysAdmin() bool {
	caps, err := capability.NewPid(0)
	if err != nil {
		return false
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN)
}

// UnmountAll unmounts every entry in table in reverse order, best
// effort, logging failures. It is called once during final close
// (spec.md §4.4.6) where a failing unmount must not prevent reboot.
func UnmountAll(table []Entry, log *logsink.Sink) {
	for i := len(table) - 1; i >= 0; i-- {
		if err := unix.Unmount(table[i].Target, unix.MNT_DETACH); err != nil {
			log.SyscallErrorf(err, "mount: umount %s failed", table[i].Target)
		}
	}
}
