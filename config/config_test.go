package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveDefaultsWithNoOverlayFile(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := Register(fs)
	if err := fs.Parse([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := flags.Resolve()
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if cfg.InittabPath != *flags.Inittab {
		t.Errorf("InittabPath = %q, want the flag default %q", cfg.InittabPath, *flags.Inittab)
	}
	if cfg.TimeoutTerm != 3000*time.Millisecond {
		t.Errorf("TimeoutTerm = %v, want 3s", cfg.TimeoutTerm)
	}
}

func TestResolveOverlaysFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit-init.toml")
	body := `
inittab = "/custom/inittab"
timeout_term_ms = 5000
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := Register(fs)
	if err := fs.Parse([]string{"-config", path}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := flags.Resolve()
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if cfg.InittabPath != "/custom/inittab" {
		t.Errorf("InittabPath = %q, want /custom/inittab", cfg.InittabPath)
	}
	if cfg.TimeoutTerm != 5000*time.Millisecond {
		t.Errorf("TimeoutTerm = %v, want 5s", cfg.TimeoutTerm)
	}
	// Unset overlay fields must not clobber the flag default.
	if cfg.FstabPath != *flags.Fstab {
		t.Errorf("FstabPath = %q, want the flag default %q", cfg.FstabPath, *flags.Fstab)
	}
}

func TestResolveRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit-init.toml")
	if err := os.WriteFile(path, []byte("this is not [valid toml"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := Register(fs)
	if err := fs.Parse([]string{"-config", path}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := flags.Resolve(); err == nil {
		t.Error("expected an error for a malformed TOML overlay")
	}
}
