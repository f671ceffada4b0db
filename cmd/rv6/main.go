// Command rv6 boots the simulated machine and runs the shipped user
// programs on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"rv6/kernel"
	"rv6/user"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

type runCmd struct {
	config string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "boot the machine and run init until shutdown" }
func (*runCmd) Usage() string {
	return `run [-config <file>]:
  Boot the simulated machine, start the configured init program, and
  run until a process asks for shutdown.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "TOML machine configuration file")
}

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := kernel.DefaultConfig()
	if c.config != "" {
		var err error
		cfg, err = kernel.LoadConfig(c.config)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitUsageError
		}
	}

	k, err := kernel.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	user.Install(k)

	if err := k.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
