package state

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/paxnode/internal/config"
	"github.com/temoto/paxnode/internal/dispatch"
	"github.com/temoto/paxnode/internal/health"
	"github.com/temoto/paxnode/internal/inbox"
	"github.com/temoto/paxnode/internal/lora"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/nbiot"
	"github.com/temoto/paxnode/internal/persist"
	"github.com/temoto/paxnode/internal/producer"
	"github.com/temoto/paxnode/internal/sched"
	"github.com/temoto/paxnode/internal/secureconf"
	"github.com/temoto/paxnode/internal/stats"
	"github.com/temoto/paxnode/internal/store"
	"github.com/temoto/paxnode/internal/update"
	"github.com/temoto/paxnode/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *config.Config
	Log          *log2.Log

	// Radio and Modem may be set before Init, defaults are SimRadio and MQTTModem.
	Radio lora.Radio
	Modem nbiot.Modem

	DeviceID   []byte
	Endpoint   nbiot.Endpoint
	Stats      *stats.Stats
	Tracker    *health.Tracker
	Store      *store.Store
	Lora       *lora.Manager
	Nbiot      *nbiot.Manager // nil when disabled
	Dispatcher *dispatch.Dispatcher
	Flusher    *dispatch.Flusher
	Producer   *producer.Producer
	Inbox      *inbox.Inbox    // nil without nbiot or persist root
	Update     *update.Checker // nil when disabled

	statsPersist persist.Persist
	fwPersist    persist.Persist
	fwVersion    persist.Text

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	root := cfg.Persist.Root
	if root == "" {
		g.Log.Errorf("config: persist.root=empty, stats and firmware version will not survive restart")
	}

	g.Stats = stats.New()
	if err := g.statsPersist.Init("stats", g.Stats, root, root != "", g.Log); err != nil {
		return errors.Annotate(err, "stats init")
	}
	if err := g.statsPersist.Load(); err != nil {
		g.Log.Errorf("stats load: %v", err)
	}

	g.Tracker = health.NewTracker(cfg.Lora.MaxHealthcheckFailures, cfg.Nbiot.Limits(), g.Log.Tag("health"))
	g.initStore()

	if g.Radio == nil {
		g.Log.Infof("lora radio=sim")
		g.Radio = lora.NewSimRadio()
	}
	g.Lora = lora.NewManager(cfg.Lora, g.Radio, g.Tracker, g.Store, g.Stats, g.Log.Tag("lora"))
	if es, ok := g.Radio.(interface{ SetEvents(func(lora.Event)) }); ok {
		es.SetEvents(g.Lora.OnEvent)
	}

	var secondary dispatch.Secondary
	if cfg.Nbiot.Enable {
		if err := g.initNbiot(); err != nil {
			return err
		}
		secondary = g.Nbiot
	}

	g.Dispatcher = dispatch.New(cfg.Dispatch, g.Tracker, g.Lora, secondary, g.Store, g.Stats, g.Log.Tag("dispatch"))
	g.Flusher = dispatch.NewFlusher(cfg.Flush, g.Dispatcher, g.Log.Tag("flush"))
	g.Producer = producer.New(cfg.Producer, g.Dispatcher, g.Log.Tag("producer"))

	if err := g.initInbox(); err != nil {
		return err
	}
	return g.initUpdate()
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Fatal(err)
	}
}

func (g *Global) initStore() {
	var m medium.Medium
	if g.Config.Store.Enable {
		m = medium.NewDir(g.Config.Store.Dir)
	} else {
		g.Log.Infof("store disabled, overflow records are lost")
	}
	g.Store = store.New(m, g.Config.Store.Config(), g.Log.Tag("store"))
	if m == nil {
		return
	}
	// absent medium is not fatal, store picks it up later
	if err := g.Store.Init(); err != nil {
		g.Log.Errorf("store init: %v", err)
	}
}

func (g *Global) initNbiot() error {
	var err error
	if g.DeviceID, err = DeviceID(g.Config); err != nil {
		return err
	}
	ncfg := g.Config.Nbiot.Config
	if ncfg.DevEUI == "" {
		ncfg.DevEUI = fmt.Sprintf("%x", g.DeviceID)
	}

	var m medium.Medium
	if dir := g.Config.Secureconf.Dir; dir != "" {
		m = medium.NewDir(dir)
	}
	g.Endpoint, err = secureconf.Load(m, g.Config.Secureconf.Name, g.DeviceID, secureconf.DefaultEndpoint, g.Log.Tag("secureconf"))
	if err != nil {
		g.Log.Errorf("secureconf: %v", err)
	}

	if g.Modem == nil {
		g.Modem = nbiot.NewMQTTModem(ncfg, g.Log.Tag("mqtt"))
	}
	g.Nbiot = nbiot.NewManager(ncfg, g.Modem, g.Endpoint, g.Tracker, g.Store, g.Stats, g.Log.Tag("nbiot"))
	g.Nbiot.SetPrimary(g.Lora)
	g.Lora.SetSecondary(g.Nbiot)
	return nil
}

func (g *Global) initInbox() error {
	path := g.Config.Inbox.Path
	if g.Nbiot == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return errors.Annotate(err, "inbox")
	}
	ib, err := inbox.Open(path, g.Log.Tag("inbox"))
	if err != nil {
		return err
	}
	g.Inbox = ib
	g.Inbox.Handle(g.Endpoint.DownlinkTopic(g.devEUI()), inbox.KindCommand)
	g.Nbiot.SetRouter(g.Inbox)
	return nil
}

func (g *Global) initUpdate() error {
	ucfg := g.Config.Update
	if !ucfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(ucfg.StagingDir, 0755); err != nil {
		return errors.Annotate(err, "update staging")
	}
	root := g.Config.Persist.Root
	if err := g.fwPersist.Init("firmware", &g.fwVersion, root, root != "", g.Log); err != nil {
		return errors.Annotate(err, "update init")
	}
	if err := g.fwPersist.Load(); err != nil {
		g.Log.Errorf("firmware version load: %v", err)
	}
	fetcher := &update.HTTPFetcher{
		BaseURL: ucfg.URL,
		Client:  &http.Client{},
		MaxSize: int64(ucfg.MaxPartSize),
	}
	g.Update = update.NewChecker(ucfg, fetcher, medium.NewDir(ucfg.StagingDir), &g.fwVersion, &g.fwPersist, g.Log.Tag("update"))
	g.Update.OnReady(func(version, name string) {
		g.Log.Infof("firmware version=%s staged=%s, install on next maintenance", version, name)
	})
	if g.Nbiot != nil {
		g.Nbiot.SetUpdater(g.Update)
	}
	return nil
}

func (g *Global) devEUI() string {
	if s := g.Config.Nbiot.DevEUI; s != "" {
		return s
	}
	return fmt.Sprintf("%x", g.DeviceID)
}

type loop struct {
	name string
	t    sched.Ticker
}

// loops lists background tickers for enabled components.
func (g *Global) loops() []loop {
	ls := []loop{
		{"lora", g.Lora},
		{"dispatch", g.Dispatcher},
		{"flush", g.Flusher},
		{"stats", sched.TickFunc(g.tickStats)},
		{"healthcheck", sched.TickFunc(g.tickHealthcheck)},
	}
	if g.Nbiot != nil {
		ls = append(ls, loop{"nbiot", g.Nbiot})
	}
	if g.Update != nil {
		ls = append(ls, loop{"update", sched.TickFunc(g.tickUpdate)})
	}
	return ls
}

// Start launches all background loops. Requires successful Init.
func (g *Global) Start(ctx context.Context) error {
	if err := g.Radio.StartJoin(); err != nil {
		g.Log.Errorf("lora join: %v", err)
	}
	for _, l := range g.loops() {
		if !sched.Go(g.Alive, l.name, l.t, g.Log.Tag(l.name)) {
			return errors.Errorf("start %s: stopping", l.name)
		}
	}
	if g.Inbox != nil {
		g.Inbox.Start(ctx, g.Alive, g.handleDownlink)
	}
	g.Log.Infof("started device=%x", g.DeviceID)
	return nil
}

func (g *Global) tickStats(now time.Time) sched.Action {
	if err := g.statsPersist.Store(); err != nil {
		g.Log.Errorf("stats: %v", err)
	}
	return sched.Sleep(g.Config.StatsPersistInterval())
}

func (g *Global) tickHealthcheck(now time.Time) sched.Action {
	if g.Lora.Joined() {
		g.Producer.Healthcheck()
	}
	return sched.Sleep(g.Config.Producer.HealthcheckInterval())
}

func (g *Global) tickUpdate(now time.Time) sched.Action {
	if g.Update.Due(now) {
		if err := g.Update.Check(now); err != nil {
			g.Log.Errorf("update: %v", err)
		}
	}
	return sched.Sleep(time.Minute)
}

// Shutdown stops loops, moves queued records to the store and saves stats.
func (g *Global) Shutdown(timeout time.Duration) {
	if !g.StopWait(timeout) {
		g.Log.Errorf("shutdown: loops did not stop in %v", timeout)
	}
	if g.Dispatcher != nil {
		g.Dispatcher.Flush()
	}
	if err := g.statsPersist.Store(); err != nil {
		g.Log.Errorf("shutdown stats: %v", err)
	}
	if g.Inbox != nil {
		g.Inbox.Close()
	}
	if g.Store != nil {
		if err := g.Store.Close(); err != nil {
			g.Log.Errorf("shutdown store: %v", err)
		}
	}
	g.Log.Infof("shutdown complete %s", g.Stats)
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// DeviceID is config device_id or, when empty, MAC of first non-loopback interface.
func DeviceID(cfg *config.Config) ([]byte, error) {
	if id, err := cfg.DeviceIDBytes(); err != nil || id != nil {
		return id, err
	}
	id, err := hardwareID()
	return id, errors.Annotate(err, "device id")
}

func hardwareID() ([]byte, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, ifi := range ifs {
		if ifi.Flags&net.FlagLoopback == 0 && len(ifi.HardwareAddr) == 6 {
			return []byte(ifi.HardwareAddr), nil
		}
	}
	return nil, errors.NotFoundf("network interface with hardware address")
}
