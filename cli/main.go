// Package cli is unit-init's entry point: it distinguishes the
// safe-mode placeholder re-exec, the administrative subcommands
// (version, validate), and the default path -- becoming PID 1's
// supervisor -- the way the teacher's own cli package dispatches
// between its many subcommands and a default action.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"

	"github.com/sandstone-labs/unit-init/config"
	"github.com/sandstone-labs/unit-init/logsink"
	"github.com/sandstone-labs/unit-init/safemode"
	"github.com/sandstone-labs/unit-init/supervisor"
)

// lockPath guards against accidentally running two supervisors at
// once, e.g. a stray re-exec during debugging.
const lockPath = "/run/unit-init.lock"

var adminSubcommands = map[string]bool{"version": true, "validate": true, "help": true}

// Main is the process entry point.
func Main() {
	if safemode.IsPlaceholderArg(os.Args) {
		safemode.RunPlaceholder()
		return
	}

	if len(os.Args) > 1 && adminSubcommands[os.Args[1]] {
		runAdmin()
		return
	}

	if err := runSupervisor(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "unit-init:", err)
		os.Exit(1)
	}
}

func runAdmin() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&versionCmd{}, "")
	subcommands.Register(&validateCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

func runSupervisor(args []string) error {
	fs := flag.NewFlagSet("unit-init", flag.ExitOnError)
	flags := config.Register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.Resolve()
	if err != nil {
		return err
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another unit-init instance holds %s", lockPath)
	}
	defer fl.Unlock()

	log := logsink.New(cfg.LogDevice)
	sv := supervisor.New(cfg, log)
	return sv.Run()
}
