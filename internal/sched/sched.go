// Package sched runs Tick state machines as background loops under shared alive lifecycle.
package sched

import (
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/paxnode/log2"
)

// Action is result of one Tick, Sleep is delay until next Tick.
type Action struct {
	Sleep time.Duration
}

func Sleep(d time.Duration) Action { return Action{Sleep: d} }

type Ticker interface {
	Tick(now time.Time) Action
}

type TickFunc func(now time.Time) Action

func (f TickFunc) Tick(now time.Time) Action { return f(now) }

const minSleep = time.Millisecond

// Go starts Loop in new goroutine. Returns false if alive is already stopping.
func Go(a *alive.Alive, name string, t Ticker, log *log2.Log) bool {
	if !a.Add(1) {
		return false
	}
	go func() {
		defer a.Done()
		Loop(a, name, t, log)
	}()
	return true
}

// Loop calls Tick until a is stopped. Stop interrupts sleep, never Tick in progress.
func Loop(a *alive.Alive, name string, t Ticker, log *log2.Log) {
	stopch := a.StopChan()
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	defer tmr.Stop()
	log.Debugf("%s loop start", name)
	for a.IsRunning() {
		act := tickSafe(name, t, log)
		d := act.Sleep
		if d < minSleep {
			d = minSleep
		}
		tmr.Reset(d)
		select {
		case <-tmr.C:
		case <-stopch:
			log.Debugf("%s loop stop", name)
			return
		}
	}
}

func tickSafe(name string, t Ticker, log *log2.Log) (act Action) {
	defer func() {
		if x := recover(); x != nil {
			log.Errorf("%s tick panic: %v", name, x)
			act = Sleep(time.Second)
		}
	}()
	return t.Tick(time.Now())
}
