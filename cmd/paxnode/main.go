package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/cmd/paxnode/console"
	"github.com/temoto/paxnode/cmd/paxnode/run"
	"github.com/temoto/paxnode/cmd/paxnode/secureconf"
	"github.com/temoto/paxnode/cmd/paxnode/subcmd"
	"github.com/temoto/paxnode/internal/config"
	"github.com/temoto/paxnode/internal/state"
	"github.com/temoto/paxnode/log2"
)

var log = log2.NewStderr(log2.LDebug)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
	secureconf.Mod,
	{Name: "version", Usage: "print build version", Main: versionMain, NoConfig: true},
}

func main() {
	log.SetFlags(log2.LInteractiveFlags)

	flagConfig := flag.String("config", "paxnode.hcl", "")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config FILE] [command [args]]\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprint(flag.CommandLine.Output(), subcmd.Usage(modules))
	}
	flag.Parse()

	command := "run"
	args := flag.Args()
	if len(args) != 0 {
		command, args = args[0], args[1:]
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	}
	log.Debugf("paxnode version=%s starting command=%s", BuildVersion, mod.Name)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	var cfg *config.Config
	if !mod.NoConfig {
		cfg = config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	}
	if err := mod.Main(ctx, cfg, args); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func versionMain(ctx context.Context, config *config.Config, args []string) error {
	fmt.Printf("paxnode %s\n", BuildVersion)
	return nil
}
