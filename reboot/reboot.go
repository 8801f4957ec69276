// Package reboot wraps the final steps of shutdown: syncing, disabling
// ctrl-alt-del and sysrq at startup, and the terminal reboot(2) call
// itself, per spec.md §4.4.6 and §6.4.
package reboot

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Command is the shutdown action requested by a received signal.
type Command int

const (
	// Reboot restarts the machine. The default.
	Reboot Command = iota
	// Halt stops the machine without powering it off.
	Halt
	// PowerOff stops and powers off the machine.
	PowerOff
)

func (c Command) String() string {
	switch c {
	case Reboot:
		return "reboot"
	case Halt:
		return "halt"
	case PowerOff:
		return "power-off"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Execute syncs the filesystem and issues the terminal reboot(2) syscall
// for cmd. It does not return on success; the kernel tears the process
// down.
func Execute(cmd Command) error {
	unix.Sync()
	var magic int
	switch cmd {
	case Reboot:
		magic = unix.LINUX_REBOOT_CMD_RESTART
	case Halt:
		magic = unix.LINUX_REBOOT_CMD_HALT
	case PowerOff:
		magic = unix.LINUX_REBOOT_CMD_POWER_OFF
	default:
		return fmt.Errorf("reboot: unknown command %d", cmd)
	}
	if err := unix.Reboot(magic); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

// DisableCtrlAltDel turns off the kernel's immediate reboot-on-CAD
// behavior, per spec.md §6.4: this supervisor has no SIGINT handling of
// its own, so an uncontrolled ctrl-alt-del reboot would bypass the
// shutdown sequence entirely.
func DisableCtrlAltDel() error {
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_CAD_OFF); err != nil {
		return fmt.Errorf("reboot: disable cad: %w", err)
	}
	return nil
}

// DisableSysrq writes 0 to /proc/sys/kernel/sysrq, per spec.md §6.4.
func DisableSysrq() error {
	if err := os.WriteFile("/proc/sys/kernel/sysrq", []byte("0"), 0644); err != nil {
		return fmt.Errorf("reboot: disable sysrq: %w", err)
	}
	return nil
}
