package mount

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sandstone-labs/unit-init/logsink"
)

// optionFlags maps known fstab option names to their mount(2) flag bit.
// Options not in this table are concatenated (comma-separated) and
// passed through as the mount() data string, per spec.md §6.6.
var optionFlags = map[string]uintptr{
	"ro":         unix.MS_RDONLY,
	"nosuid":     unix.MS_NOSUID,
	"nodev":      unix.MS_NODEV,
	"noexec":     unix.MS_NOEXEC,
	"sync":       unix.MS_SYNCHRONOUS,
	"remount":    unix.MS_REMOUNT,
	"mand":       unix.MS_MANDLOCK,
	"dirsync":    unix.MS_DIRSYNC,
	"noatime":    unix.MS_NOATIME,
	"nodiratime": unix.MS_NODIRATIME,
	"bind":       unix.MS_BIND,
	"rbind":      unix.MS_BIND | unix.MS_REC,
	"relatime":   unix.MS_RELATIME,
	"defaults":   unix.MS_NOUSER,
	"noauto":     0,
	"nofail":     0,
}

// FstabEntry is one parsed /etc/fstab line.
type FstabEntry struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
	NoAuto bool
	NoFail bool
}

// parseOptions translates a comma-separated fstab options field into a
// mount(2) flag word plus a comma-separated remainder of options this
// table doesn't recognize, which the caller passes through verbatim as
// the mount() data argument. A blank options field is rejected: real
// fstab lines always carry at least "defaults".
func parseOptions(s string) (uintptr, string, error) {
	if strings.TrimSpace(s) == "" {
		return 0, "", fmt.Errorf("fstab: options field must not be empty")
	}
	var flags uintptr
	var unknown []string
	for _, opt := range strings.Split(s, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if flag, ok := optionFlags[opt]; ok {
			flags |= flag
		} else {
			unknown = append(unknown, opt)
		}
	}
	return flags, strings.Join(unknown, ","), nil
}

func hasOption(s, name string) bool {
	for _, opt := range strings.Split(s, ",") {
		if strings.TrimSpace(opt) == name {
			return true
		}
	}
	return false
}

// ParseFstabLine parses one non-comment /etc/fstab line:
// <source> <target> <fstype> <options> [<dump> [<pass>]].
func ParseFstabLine(line string) (FstabEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return FstabEntry{}, fmt.Errorf("fstab: expected at least 4 fields, got %d", len(fields))
	}

	flags, data, err := parseOptions(fields[3])
	if err != nil {
		return FstabEntry{}, err
	}

	return FstabEntry{
		Source: fields[0],
		Target: fields[1],
		FSType: fields[2],
		Flags:  flags,
		Data:   data,
		NoAuto: hasOption(fields[3], "noauto"),
		NoFail: hasOption(fields[3], "nofail"),
	}, nil
}

// ParseFstab reads every non-comment, non-blank line of r.
func ParseFstab(r io.Reader) ([]FstabEntry, error) {
	var entries []FstabEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := ParseFstabLine(line)
		if err != nil {
			return nil, fmt.Errorf("fstab: line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fstab: read: %w", err)
	}
	return entries, nil
}

// LoadFstab parses the fstab file at path.
func LoadFstab(path string) ([]FstabEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fstab: open %s: %w", path, err)
	}
	defer f.Close()
	return ParseFstab(f)
}

// MountFstab mounts every fstab entry that isn't noauto, skipping
// failures for entries marked nofail and logging them, per spec.md §6.6.
func MountFstab(entries []FstabEntry, log *logsink.Sink) error {
	for _, e := range entries {
		if e.NoAuto {
			continue
		}
		if err := unix.Mount(e.Source, e.Target, e.FSType, e.Flags, e.Data); err != nil {
			if e.NoFail {
				log.Warningf("fstab: %s on %s failed (nofail): %v", e.FSType, e.Target, err)
				continue
			}
			return fmt.Errorf("fstab: mount %s on %s: %w", e.FSType, e.Target, err)
		}
	}
	return nil
}
