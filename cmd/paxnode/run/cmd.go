// Package run is the production service: all transports, flusher and downlink worker.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/paxnode/cmd/paxnode/subcmd"
	"github.com/temoto/paxnode/internal/config"
	"github.com/temoto/paxnode/internal/state"
)

const shutdownTimeout = 10 * time.Second

var Mod = subcmd.Mod{Name: "run", Usage: "deliver telemetry until SIGINT/SIGTERM", Main: Main}

func Main(ctx context.Context, config *config.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", g.Config)

	if err := g.Start(ctx); err != nil {
		return errors.Annotate(err, "start")
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("running")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigs:
		g.Log.Infof("signal %s, stopping", s)
	case <-g.Alive.StopChan():
	}
	signal.Stop(sigs)

	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.Shutdown(shutdownTimeout)
	return nil
}
