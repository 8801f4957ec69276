// Package config resolves the supervisor's tunables from command-line
// flags and an optional TOML overlay file, mirroring the layered
// configuration the teacher's own runsc/config package builds from
// flags plus OCI annotations.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sandstone-labs/unit-init/inittab"
	"github.com/sandstone-labs/unit-init/logsink"
	"github.com/sandstone-labs/unit-init/supervisor"
	"github.com/sandstone-labs/unit-init/watchdog"
)

// DefaultTOMLPath is consulted if present and not overridden by -config.
const DefaultTOMLPath = "/etc/unit-init.toml"

// fileOverlay is the subset of Config a TOML file may override. Fields
// left unset (zero value) in the file do not override flag defaults.
type fileOverlay struct {
	Inittab        string `toml:"inittab"`
	Fstab          string `toml:"fstab"`
	LogDevice      string `toml:"log_device"`
	WatchdogDevice string `toml:"watchdog_device"`
	TimeoutTermMs  int64  `toml:"timeout_term_ms"`
	TimeoutOneMs   int64  `toml:"timeout_one_shot_ms"`
}

// Flags holds the registered flag values before Resolve folds them
// together with any TOML overlay into a supervisor.Config.
type Flags struct {
	Inittab        *string
	Fstab          *string
	LogDevice      *string
	WatchdogDevice *string
	ConfigFile     *string
	TimeoutTerm    *time.Duration
	TimeoutOneShot *time.Duration
}

// Register adds unit-init's flags to fs, returning handles Resolve
// reads back after fs.Parse.
func Register(fs *flag.FlagSet) *Flags {
	return &Flags{
		Inittab:        fs.String("inittab", inittab.DefaultPath, "path to the inittab configuration file"),
		Fstab:          fs.String("fstab", "/etc/fstab", "path to the static filesystem table"),
		LogDevice:      fs.String("log-device", logsink.DefaultDevice, "device to append log lines to"),
		WatchdogDevice: fs.String("watchdog-device", watchdog.DefaultDevice, "kernel watchdog character device"),
		ConfigFile:     fs.String("config", DefaultTOMLPath, "optional TOML overlay file; missing file is not an error"),
		TimeoutTerm:    fs.Duration("timeout-term", 3000*time.Millisecond, "grace period between SIGTERM and SIGKILL during shutdown"),
		TimeoutOneShot: fs.Duration("timeout-one-shot", 3000*time.Millisecond, "warning threshold for a one-shot wave that hasn't finished"),
	}
}

// Resolve builds a supervisor.Config from f, overlaying any values
// present in the TOML file named by f.ConfigFile. A missing overlay
// file is not an error; a malformed one is.
func (f *Flags) Resolve() (supervisor.Config, error) {
	cfg := supervisor.DefaultConfig()
	cfg.InittabPath = *f.Inittab
	cfg.FstabPath = *f.Fstab
	cfg.LogDevice = *f.LogDevice
	cfg.WatchdogDevice = *f.WatchdogDevice
	cfg.TimeoutTerm = *f.TimeoutTerm
	cfg.TimeoutOneShot = *f.TimeoutOneShot

	var overlay fileOverlay
	if _, err := toml.DecodeFile(*f.ConfigFile, &overlay); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: %s: %w", *f.ConfigFile, err)
	}

	if overlay.Inittab != "" {
		cfg.InittabPath = overlay.Inittab
	}
	if overlay.Fstab != "" {
		cfg.FstabPath = overlay.Fstab
	}
	if overlay.LogDevice != "" {
		cfg.LogDevice = overlay.LogDevice
	}
	if overlay.WatchdogDevice != "" {
		cfg.WatchdogDevice = overlay.WatchdogDevice
	}
	if overlay.TimeoutTermMs > 0 {
		cfg.TimeoutTerm = time.Duration(overlay.TimeoutTermMs) * time.Millisecond
	}
	if overlay.TimeoutOneMs > 0 {
		cfg.TimeoutOneShot = time.Duration(overlay.TimeoutOneMs) * time.Millisecond
	}
	return cfg, nil
}
