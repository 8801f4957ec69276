// Package watchdog feeds the kernel watchdog device (and, when running
// under systemd, the systemd watchdog protocol) so the machine is not
// reset out from under a healthy supervisor.
package watchdog

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"

	"github.com/sandstone-labs/unit-init/logsink"
)

// DefaultDevice is the kernel watchdog character device path.
const DefaultDevice = "/dev/watchdog"

// DefaultTimeout is used when the device's own WDIOC_GETTIMEOUT ioctl is
// unsupported or fails.
const DefaultTimeout = 10 * time.Second

// ioctl request numbers from linux/watchdog.h.
const (
	wdiocGetTimeout = 0x80045707
	wdiocKeepalive  = 0x80045705
)

// Feeder periodically pokes the watchdog device to keep the machine from
// being reset, and mirrors readiness to systemd's watchdog protocol when
// NOTIFY_SOCKET is set (a no-op otherwise).
type Feeder struct {
	fd  int
	log *logsink.Sink
}

// Open opens the watchdog device at path (DefaultDevice if empty). It is
// not fatal for the device to be absent -- many containers and VMs have
// no watchdog hardware -- in which case the returned Feeder's Period
// falls back to DefaultTimeout and Feed only sends the systemd
// notification.
func Open(path string, log *logsink.Sink) *Feeder {
	if path == "" {
		path = DefaultDevice
	}
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		log.SyscallErrorf(err, "watchdog: device %s unavailable, continuing without it", path)
		return &Feeder{fd: -1, log: log}
	}
	return &Feeder{fd: fd, log: log}
}

// Period computes the keepalive cadence: 0.9x the device's own reported
// timeout, falling back to DefaultTimeout if the ioctl is unsupported.
func (f *Feeder) Period() time.Duration {
	timeout := DefaultTimeout
	if f.fd >= 0 {
		if secs, err := unix.IoctlGetInt(f.fd, wdiocGetTimeout); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	return time.Duration(float64(timeout) * 0.9)
}

// Feed pokes the watchdog device and notifies systemd, if applicable.
// It never returns an error: a failure to feed is logged and otherwise
// ignored, since treating it as fatal would defeat the watchdog's
// purpose (surviving supervisor misbehavior, not causing more of it).
func (f *Feeder) Feed() {
	if f.fd >= 0 {
		if _, err := unix.IoctlGetInt(f.fd, wdiocKeepalive); err != nil {
			f.log.SyscallErrorf(err, "watchdog: keepalive ioctl failed")
		}
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		f.log.Warningf("watchdog: sd_notify WATCHDOG=1 failed: %v", err)
	}
}

// NotifyReady tells systemd (if applicable) that startup has completed.
// It is called once, on entering stage Run.
func (f *Feeder) NotifyReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		f.log.Warningf("watchdog: sd_notify READY=1 failed: %v", err)
	}
}

// Disarm closes the device cleanly so the kernel does not reset the
// machine after PID 1 has deliberately rebooted it. Linux watchdog
// drivers stop the countdown on a clean close unless the "nowayout"
// build option is set, matching the disarm step in spec.md §4.4.6.
func (f *Feeder) Disarm() {
	if f.fd >= 0 {
		unix.Write(f.fd, []byte{'V'}) // magic close character
		unix.Close(f.fd)
		f.fd = -1
	}
}

