// Command unit-init is PID 1.
package main

import "github.com/sandstone-labs/unit-init/cli"

func main() {
	cli.Main()
}
