// Package secureconf provisions encrypted secondary endpoint blob for this device.
package secureconf

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/cmd/paxnode/subcmd"
	"github.com/temoto/paxnode/internal/config"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/nbiot"
	"github.com/temoto/paxnode/internal/secureconf"
	"github.com/temoto/paxnode/internal/state"
)

var Mod = subcmd.Mod{Name: "secureconf", Usage: "show or write encrypted endpoint (-show | -server ... )", Main: Main}

func Main(ctx context.Context, config *config.Config, args []string) error {
	g := state.GetGlobal(ctx)
	deviceID, err := state.DeviceID(config)
	if err != nil {
		return err
	}
	if config.Secureconf.Dir == "" {
		return errors.NotValidf("secureconf dir and persist.root empty")
	}
	m := medium.NewDir(config.Secureconf.Dir)
	name := config.Secureconf.Name

	current, err := secureconf.Load(m, name, deviceID, secureconf.DefaultEndpoint, g.Log)
	if err != nil {
		return errors.Annotate(err, "secureconf load")
	}
	e, show, err := parseArgs(current, args)
	if err != nil {
		return err
	}
	if show {
		printEndpoint(os.Stdout, e)
		return nil
	}
	if err = e.Validate(); err != nil {
		return err
	}
	if err = secureconf.Save(m, name, deviceID, e); err != nil {
		return err
	}
	g.Log.Infof("secureconf saved device=%x server=%s gateway=%s", deviceID, e.ServerAddress, e.GatewayID)
	return nil
}

// parseArgs overrides fields of current with flags given.
func parseArgs(current nbiot.Endpoint, args []string) (nbiot.Endpoint, bool, error) {
	e := current
	fs := flag.NewFlagSet("secureconf", flag.ContinueOnError)
	show := fs.Bool("show", false, "print current endpoint, password masked")
	fs.StringVar(&e.ServerAddress, "server", e.ServerAddress, "broker address")
	fs.IntVar(&e.Port, "port", e.Port, "broker port")
	fs.StringVar(&e.ServerUsername, "user", e.ServerUsername, "broker username")
	fs.StringVar(&e.ServerPassword, "password", e.ServerPassword, "broker password")
	fs.StringVar(&e.ApplicationID, "app-id", e.ApplicationID, "")
	fs.StringVar(&e.ApplicationName, "app-name", e.ApplicationName, "")
	fs.StringVar(&e.GatewayID, "gateway", e.GatewayID, "")
	if err := fs.Parse(args); err != nil {
		return current, false, errors.NewNotValid(err, "secureconf flags")
	}
	if fs.NArg() != 0 {
		return current, false, errors.NotValidf("secureconf unexpected args=%v", fs.Args())
	}
	return e, *show, nil
}

func printEndpoint(w io.Writer, e nbiot.Endpoint) {
	password := ""
	if e.ServerPassword != "" {
		password = "***"
	}
	fmt.Fprintf(w, "server=%s port=%d user=%s password=%s\napp-id=%s app-name=%s gateway=%s\n",
		e.ServerAddress, e.Port, e.ServerUsername, password, e.ApplicationID, e.ApplicationName, e.GatewayID)
}
