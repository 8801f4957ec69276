package inittab

import (
	"strings"
	"testing"
)

const validLine = "0:-1:<safe-service>:/dev/tty1:/sbin/getty tty1"

func TestParseBasic(t *testing.T) {
	set, err := Parse(strings.NewReader(strings.Join([]string{
		"1::<one-shot>::/sbin/mount-all",
		":-1:<safe-mode>::/sbin/recover <proc> <exitcode>",
		"0::<service>::/sbin/syslogd",
		"# a comment",
		"",
		"0::<shutdown>::/sbin/sync-disks",
	}, "\n")))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(set.StartupList) != 2 {
		t.Fatalf("StartupList = %d entries, want 2", len(set.StartupList))
	}
	if set.StartupList[0].Order != 0 || set.StartupList[1].Order != 1 {
		t.Errorf("StartupList not sorted by order: %v, %v", set.StartupList[0].Order, set.StartupList[1].Order)
	}
	if len(set.ShutdownList) != 1 {
		t.Fatalf("ShutdownList = %d entries, want 1", len(set.ShutdownList))
	}
	if set.SafeMode == nil || set.SafeMode.ProcessName != "/sbin/recover <proc> <exitcode>" {
		t.Errorf("SafeMode entry wrong: %+v", set.SafeMode)
	}
}

func TestParseStableSort(t *testing.T) {
	set, err := Parse(strings.NewReader(strings.Join([]string{
		":-1:<safe-mode>::/sbin/recover",
		"1::<service>::/sbin/b",
		"1::<service>::/sbin/a",
		"1::<service>::/sbin/c",
	}, "\n")))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := []string{"/sbin/b", "/sbin/a", "/sbin/c"}
	for i, e := range set.StartupList {
		if e.ProcessName != want[i] {
			t.Errorf("entry %d: got %q, want %q (stable sort broken)", i, e.ProcessName, want[i])
		}
	}
}

func TestParseRequiresExactlyOneSafeMode(t *testing.T) {
	if _, err := Parse(strings.NewReader("0::<service>::/sbin/a")); err == nil {
		t.Error("expected an error with no safe-mode entry")
	}

	two := strings.Join([]string{
		":-1:<safe-mode>::/sbin/recover-a",
		":-1:<safe-mode>::/sbin/recover-b",
	}, "\n")
	if _, err := Parse(strings.NewReader(two)); err == nil {
		t.Error("expected an error with two safe-mode entries")
	}
}

func TestParseBlankOrderOnlyValidForSafeMode(t *testing.T) {
	_, err := Parse(strings.NewReader(":-1:<service>::/sbin/a"))
	if err == nil {
		t.Error("expected an error: blank order on a non-safe-mode entry")
	}
}

func TestParseOrderRequiredToBeNonNegative(t *testing.T) {
	if _, err := Parse(strings.NewReader("-1::<service>::/sbin/a")); err == nil {
		t.Error("expected an error: negative explicit order")
	}
}

func TestParseLineLengthBoundary(t *testing.T) {
	pad := strings.Repeat("x", MaxLineLen-len(validLine))
	ok := validLine + pad
	if len(ok) != MaxLineLen {
		t.Fatalf("test setup: line is %d bytes, want %d", len(ok), MaxLineLen)
	}
	body := strings.Join([]string{
		":-1:<safe-mode>::/sbin/recover",
		ok,
	}, "\n")
	if _, err := Parse(strings.NewReader(body)); err != nil {
		t.Errorf("line of exactly %d bytes should be accepted: %v", MaxLineLen, err)
	}

	tooLong := ok + "x"
	body = strings.Join([]string{
		":-1:<safe-mode>::/sbin/recover",
		tooLong,
	}, "\n")
	if _, err := Parse(strings.NewReader(body)); err == nil {
		t.Errorf("line of %d bytes should be rejected", len(tooLong))
	}
}

func TestParseUnknownEntryType(t *testing.T) {
	if _, err := Parse(strings.NewReader("0::bogus::/sbin/a")); err == nil {
		t.Error("expected an error for an unknown entry type")
	}
}

func TestParseWrongFieldCount(t *testing.T) {
	if _, err := Parse(strings.NewReader("0::<service>:")); err == nil {
		t.Error("expected an error for a missing process field")
	}
}

func TestEntryTypeClassification(t *testing.T) {
	cases := []struct {
		t                    EntryType
		safe, startup, shutdown, oneShot bool
	}{
		{OneShot, false, true, false, true},
		{SafeOneShot, true, true, false, true},
		{Service, false, true, false, false},
		{SafeService, true, true, false, false},
		{Shutdown, false, false, true, true},
		{SafeShutdown, true, false, true, true},
		{SafeMode, true, false, false, false},
	}
	for _, c := range cases {
		if got := c.t.IsSafe(); got != c.safe {
			t.Errorf("%s.IsSafe() = %v, want %v", c.t, got, c.safe)
		}
		if got := c.t.IsStartup(); got != c.startup {
			t.Errorf("%s.IsStartup() = %v, want %v", c.t, got, c.startup)
		}
		if got := c.t.IsShutdown(); got != c.shutdown {
			t.Errorf("%s.IsShutdown() = %v, want %v", c.t, got, c.shutdown)
		}
		if got := c.t.IsOneShot(); got != c.oneShot {
			t.Errorf("%s.IsOneShot() = %v, want %v", c.t, got, c.oneShot)
		}
	}
}
