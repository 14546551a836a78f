// Package console is interactive bench tool: inspect overflow store, inject records, watch routing.
package console

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/paxnode/cmd/paxnode/subcmd"
	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/helpers/cli"
	"github.com/temoto/paxnode/internal/config"
	"github.com/temoto/paxnode/internal/producer"
	"github.com/temoto/paxnode/internal/record"
	"github.com/temoto/paxnode/internal/state"
	"github.com/temoto/paxnode/internal/store"
)

const modName = "console"

const usage = `commands:
- status                     queues, store, link, counters
- start                      run transport loops in background
- send PORT low|normal|high HEX
- scan WIFI BLE BT           synthetic scan with random MAC hashes
- battery MILLIVOLTS
- store count|peek|drop|compact
- flush                      move queued records to store
- divert on|off
- exit
`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive store inspector and record injector", Main: Main}

func Main(ctx context.Context, config *config.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("console init complete")
	fmt.Print(usage)

	c := &console{g: g, out: os.Stdout, rand: helpers.RandUnix()}
	cli.MainLoop(modName, func(line string) {
		if err := c.exec(ctx, line); err != nil {
			if errors.Cause(err) == errExit {
				g.Shutdown(5 * time.Second)
				os.Exit(0)
			}
			g.Log.Error(err)
		}
	}, newCompleter())
	g.Shutdown(5 * time.Second)
	return nil
}

var errExit = errors.New("exit")

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	return cli.Suggest([]prompt.Suggest{
		{Text: "status", Description: "queues, store, link, counters"},
		{Text: "start", Description: "run transport loops"},
		{Text: "send", Description: "PORT PRIORITY HEX"},
		{Text: "scan", Description: "WIFI BLE BT"},
		{Text: "battery", Description: "MILLIVOLTS"},
		{Text: "store", Description: "count|peek|drop|compact"},
		{Text: "flush", Description: "move queued records to store"},
		{Text: "divert", Description: "on|off"},
		{Text: "exit"},
	})
}

type console struct {
	g       *state.Global
	out     io.Writer
	rand    *rand.Rand
	started bool
}

func (self *console) printf(format string, args ...interface{}) {
	fmt.Fprintf(self.out, format+"\n", args...)
}

func (self *console) exec(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]
	switch cmd {
	case "help", "?":
		fmt.Fprint(self.out, usage)
	case "exit", "quit":
		return errExit
	case "status":
		s := self.g.Dispatcher.Stats()
		self.printf("%s", s)
		if age := self.g.Tracker.AckAge(time.Now()); age < 24*time.Hour {
			self.printf("last ack %s ago", age.Truncate(time.Second))
		}
		self.printf("counters %s", self.g.Stats)
	case "start":
		if self.started {
			return errors.Errorf("already started")
		}
		self.started = true
		return self.g.Start(ctx)
	case "send":
		return self.send(args)
	case "scan":
		return self.scan(args)
	case "battery":
		if len(args) != 1 {
			return errors.NotValidf("usage: battery MILLIVOLTS")
		}
		mv, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return errors.NewNotValid(err, "battery")
		}
		self.printf("accepted=%t", self.g.Producer.Battery(uint16(mv)))
	case "store":
		return self.store(args)
	case "flush":
		self.printf("stored=%d", self.g.Dispatcher.Flush())
	case "divert":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.NotValidf("usage: divert on|off")
		}
		self.g.Dispatcher.SetDiverted(args[0] == "on")
	default:
		return errors.NotFoundf("command=%s, try help", cmd)
	}
	return nil
}

func parsePriority(s string) (record.Priority, error) {
	switch s {
	case "low":
		return record.Low, nil
	case "normal":
		return record.Normal, nil
	case "high":
		return record.High, nil
	}
	return 0, errors.NotValidf("priority=%s", s)
}

func (self *console) send(args []string) error {
	if len(args) != 3 {
		return errors.NotValidf("usage: send PORT PRIORITY HEX")
	}
	port, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return errors.NewNotValid(err, "send port")
	}
	prio, err := parsePriority(args[1])
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(args[2])
	if err != nil {
		return errors.NewNotValid(err, "send payload")
	}
	r := record.New(uint8(port), prio, uint32(time.Now().Unix()), payload)
	self.printf("%s accepted=%t", r, self.g.Dispatcher.Route(r))
	return nil
}

func (self *console) scan(args []string) error {
	if len(args) != 3 {
		return errors.NotValidf("usage: scan WIFI BLE BT")
	}
	var ns [3]int
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 || n > 0xffff {
			return errors.NotValidf("scan count=%s", a)
		}
		ns[i] = n
	}
	sniff := func(n int) producer.Sniff {
		ms := make([]uint32, n)
		for i := range ms {
			ms[i] = self.rand.Uint32()
		}
		return producer.Sniff{Enabled: true, Count: uint16(n), MACs: ms}
	}
	n := self.g.Producer.Scan(producer.Scan{Wifi: sniff(ns[0]), BLE: sniff(ns[1]), BT: sniff(ns[2])})
	self.printf("records accepted=%d", n)
	return nil
}

func (self *console) store(args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("usage: store count|peek|drop|compact")
	}
	st := self.g.Store
	switch args[0] {
	case "count":
		n, err := st.Count()
		if err != nil {
			return err
		}
		self.printf("count=%d", n)
	case "peek":
		r, err := st.Peek()
		if errors.Cause(err) == store.ErrEmpty {
			self.printf("empty")
			return nil
		}
		if err != nil {
			return err
		}
		self.printf("%s payload=%x", r, r.Payload)
	case "drop":
		n, err := st.DiscardHead()
		if err != nil {
			return err
		}
		self.printf("dropped len=%d", n)
	case "compact":
		return st.Compact()
	default:
		return errors.NotValidf("store %s", args[0])
	}
	return nil
}
