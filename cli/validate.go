package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/sandstone-labs/unit-init/inittab"
)

// validateCmd implements subcommands.Command for "unit-init validate",
// an administrative helper that loads an inittab file without forking
// anything, so a malformed file is caught before it is installed as
// /etc/inittab.
type validateCmd struct {
	path string
}

func (*validateCmd) Name() string     { return "validate" }
func (*validateCmd) Synopsis() string { return "parse an inittab file and report errors" }
func (*validateCmd) Usage() string {
	return "validate [-inittab path] - parse an inittab file and report errors\n"
}

func (v *validateCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&v.path, "inittab", inittab.DefaultPath, "inittab file to validate")
}

func (v *validateCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	set, err := inittab.Load(v.path)
	if err != nil {
		fmt.Println("invalid:", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("ok: %d startup entries, %d shutdown entries, safe-mode %q\n",
		len(set.StartupList), len(set.ShutdownList), set.SafeMode.ProcessName)
	return subcommands.ExitSuccess
}
