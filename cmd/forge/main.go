// Command forge is a memoizing, parallel build driver: point it at a
// project package implementing driver.Project and it handles flag
// parsing, cache persistence, and the --config-* inspection surface.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/forgebuild/forge/internal/driver"
)

const version = "0.1.0"

// selfProject is the trivial driver.Project forge runs when invoked
// directly (as opposed to embedded in a project-specific binary): it
// only exists to exercise the config REPL and --config-* surface
// against a state file, with no build graph of its own.
type selfProject struct {
	repl bool
}

func (p *selfProject) PreOptions(fs *flag.FlagSet) error {
	fs.BoolVar(&p.repl, "repl", false, "start the interactive configuration shell")
	return nil
}

func (p *selfProject) PostOptions(fs *flag.FlagSet, args []string) error {
	return nil
}

func (p *selfProject) Build(ctx *driver.Context) error {
	if !p.repl {
		ctx.Log.Info("forge v%s: nothing to build (pass -repl for the configuration shell, or embed driver.Project in your own build script)", version)
		return nil
	}
	return runREPL(ctx)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("forge v%s\n", version)
		return
	}

	os.Exit(driver.Run(&selfProject{}, os.Args))
}
