package mount

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseOptionsDefaults(t *testing.T) {
	flags, remaining, err := parseOptions("defaults")
	if err != nil {
		t.Fatalf("parseOptions error: %v", err)
	}
	if flags != unix.MS_NOUSER {
		t.Errorf("flags = %#x, want MS_NOUSER (%#x)", flags, unix.MS_NOUSER)
	}
	if remaining != "" {
		t.Errorf("remaining = %q, want empty", remaining)
	}
}

func TestParseOptionsEmptyFails(t *testing.T) {
	if _, _, err := parseOptions(""); err == nil {
		t.Error("expected an error for an empty options field")
	}
	if _, _, err := parseOptions("   "); err == nil {
		t.Error("expected an error for a blank options field")
	}
}

func TestParseOptionsMixedKnownAndUnknown(t *testing.T) {
	flags, remaining, err := parseOptions("ro,nosuid,size=64m")
	if err != nil {
		t.Fatalf("parseOptions error: %v", err)
	}
	want := uintptr(unix.MS_RDONLY | unix.MS_NOSUID)
	if flags != want {
		t.Errorf("flags = %#x, want %#x", flags, want)
	}
	if remaining != "size=64m" {
		t.Errorf("remaining = %q, want %q", remaining, "size=64m")
	}
}

func TestParseFstabLine(t *testing.T) {
	e, err := ParseFstabLine("tmpfs /tmp tmpfs noauto,nofail,size=16m 0 0")
	if err != nil {
		t.Fatalf("ParseFstabLine error: %v", err)
	}
	if e.Source != "tmpfs" || e.Target != "/tmp" || e.FSType != "tmpfs" {
		t.Errorf("ParseFstabLine fields wrong: %+v", e)
	}
	if !e.NoAuto || !e.NoFail {
		t.Errorf("NoAuto/NoFail not set: %+v", e)
	}
	if e.Data != "size=16m" {
		t.Errorf("Data = %q, want %q", e.Data, "size=16m")
	}
}

func TestParseFstabLineTooFewFields(t *testing.T) {
	if _, err := ParseFstabLine("tmpfs /tmp tmpfs"); err == nil {
		t.Error("expected an error for a line missing the options field")
	}
}

func TestParseFstab(t *testing.T) {
	body := strings.Join([]string{
		"# a comment",
		"",
		"proc /proc proc defaults 0 0",
		"tmpfs /tmp tmpfs noauto,size=16m 0 0",
	}, "\n")
	entries, err := ParseFstab(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ParseFstab error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ParseFstab returned %d entries, want 2", len(entries))
	}
	if entries[1].NoAuto != true {
		t.Errorf("second entry NoAuto = %v, want true", entries[1].NoAuto)
	}
}
