package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// version is set at build time via -ldflags; it defaults to "dev" so
// that a plain build still reports something meaningful.
var version = "dev"

// versionCmd implements subcommands.Command for "unit-init version".
type versionCmd struct{}

func (*versionCmd) Name() string     { return "version" }
func (*versionCmd) Synopsis() string { return "print the unit-init version and exit" }
func (*versionCmd) Usage() string    { return "version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}

func (*versionCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	fmt.Println("unit-init", version)
	return subcommands.ExitSuccess
}
